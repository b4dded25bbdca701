package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// two api group candidates for the same resource. the preferred one answers
// 404 everywhere, the fallback serves the resource.
type failoverServer struct {
	server *httptest.Server

	listJson []byte

	mutex          sync.Mutex
	preferredCalls int
	fallbackCalls  int

	conns chan *websocket.Conn
}

const preferredPath = "/apis/batch/v2alpha1/cronjobs"
const fallbackPath = "/apis/batch/v1beta1/cronjobs"

func newFailoverServer(listJson []byte) *failoverServer {
	fs := &failoverServer{
		listJson: listJson,
		conns:    make(chan *websocket.Conn, 16),
	}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	return fs
}

func (self *failoverServer) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, preferredPath) {
		self.mutex.Lock()
		self.preferredCalls += 1
		self.mutex.Unlock()
		http.Error(w, "the server could not find the requested resource", http.StatusNotFound)
		return
	}
	if strings.HasPrefix(r.URL.Path, fallbackPath) {
		if r.URL.Query().Get("watch") == "1" {
			conn, err := testUpgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			self.conns <- conn
			return
		}
		self.mutex.Lock()
		self.fallbackCalls += 1
		self.mutex.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(self.listJson)
		return
	}
	http.Error(w, "bad path", http.StatusInternalServerError)
}

func (self *failoverServer) calls() (int, int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.preferredCalls, self.fallbackCalls
}

func testEndpoints() []ApiEndpoint {
	return []ApiEndpoint{
		{Group: "batch", Version: "v2alpha1", Resource: "cronjobs"},
		{Group: "batch", Version: "v1beta1", Resource: "cronjobs"},
	}
}

func TestApiEndpointPath(t *testing.T) {
	assert.Equal(t, ApiEndpoint{Version: "v1", Resource: "pods"}.Path(), "/api/v1/pods")
	assert.Equal(t, ApiEndpoint{Group: "batch", Version: "v1", Resource: "jobs"}.Path(), "/apis/batch/v1/jobs")
}

func TestStreamListFailover(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	listJson := []byte(`{
		"kind": "CronJobList",
		"items": [{"metadata": {"uid": "1", "resourceVersion": "5"}}],
		"metadata": {"resourceVersion": "5"}
	}`)
	server := newFailoverServer(listJson)
	defer server.server.Close()

	client := NewApiClient(ctx, server.server.URL, "c1", nil)
	defer client.Close()

	failover := NewFailoverClient(client, testEndpoints(), testStreamSettings())

	updates := make(chan []KubeObject, 16)
	cancel := failover.StreamList(
		ctx,
		nil,
		func(items []KubeObject) {
			updates <- items
		},
		func(err error, cancel func()) {
			t.Errorf("unexpected stream error = %s", err)
		},
	)
	defer cancel()

	// the router switched to the fallback exactly once
	items := waitItems(t, updates, 5*time.Second)
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].Kind(), "CronJob")

	preferred, fallback := server.calls()
	assert.Equal(t, preferred, 1)
	assert.Equal(t, fallback, 1)

	// events flow from the fallback candidate only
	conn := <-server.conns
	defer conn.Close()
	sendEvent(t, conn, &WatchEvent{
		Type:   WatchEventModified,
		Object: testObject("CronJob", "1", "job-1", "6"),
	})
	items = waitItems(t, updates, 5*time.Second)
	assert.Equal(t, items[0].ResourceVersion(), "6")
}

func TestStreamListFailoverExhausted(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	// every candidate 404s
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewApiClient(ctx, server.URL, "c1", nil)
	defer client.Close()

	failover := NewFailoverClient(client, testEndpoints(), testStreamSettings())

	errs := make(chan error, 1)
	cancel := failover.StreamList(
		ctx,
		nil,
		func(items []KubeObject) {
			t.Errorf("unexpected update")
		},
		func(err error, cancel func()) {
			errs <- err
		},
	)
	defer cancel()

	select {
	case err := <-errs:
		assert.Equal(t, IsNotFound(err), true)
	case <-time.After(5 * time.Second):
		t.Fatalf("no error within timeout")
	}
}

func TestPlainVerbFailover(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	server := newFailoverServer([]byte(`{"status": "ok"}`))
	defer server.server.Close()

	client := NewApiClient(ctx, server.server.URL, "c1", nil)
	defer client.Close()

	failover := NewFailoverClient(client, testEndpoints(), testStreamSettings())

	// post falls through the 404 candidate and succeeds on the next
	result := map[string]any{}
	err := failover.Post(nil, map[string]any{"kind": "CronJob"}, &result)
	assert.Equal(t, err, nil)
	assert.Equal(t, result["status"], "ok")

	preferred, fallback := server.calls()
	assert.Equal(t, preferred, 1)
	assert.Equal(t, fallback, 1)

	// delete on a named object follows the same order
	err = failover.Delete("job-1", nil, nil)
	assert.Equal(t, err, nil)
}

func TestPlainVerbShortCircuit(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	var calls int
	var mutex sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		calls += 1
		mutex.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewApiClient(ctx, server.URL, "c1", nil)
	defer client.Close()

	failover := NewFailoverClient(client, testEndpoints(), testStreamSettings())

	// a non 404 response stops the candidate walk
	err := failover.Post(nil, map[string]any{}, nil)
	var requestError *RequestError
	assert.Equal(t, errors.As(err, &requestError), true)
	assert.Equal(t, requestError.StatusCode, http.StatusForbidden)

	mutex.Lock()
	assert.Equal(t, calls, 1)
	mutex.Unlock()
}
