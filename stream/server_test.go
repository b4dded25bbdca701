package stream

import (
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testStreamSettings() *StreamSettings {
	return &StreamSettings{
		ReconnectTimeout: 50 * time.Millisecond,
		SocketSettings:   DefaultSocketSettings(),
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchServer serves a list snapshot on plain GET and upgrades to a
// websocket when the watch query parameter is set. watch connections are
// handed to the test through `conns`.
type watchServer struct {
	server *httptest.Server

	listJson   []byte
	listStatus int

	mutex     sync.Mutex
	listCalls int

	conns chan *websocket.Conn
}

func newWatchServer(path string, listJson []byte, listStatus int) *watchServer {
	ws := &watchServer{
		listJson:   listJson,
		listStatus: listStatus,
		conns:      make(chan *websocket.Conn, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, ws.handle)
	mux.HandleFunc(path+"/", ws.handle)
	ws.server = httptest.NewServer(mux)
	return ws
}

func (self *watchServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("watch") == "1" {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		self.conns <- conn
		return
	}

	self.mutex.Lock()
	self.listCalls += 1
	self.mutex.Unlock()

	if self.listStatus != http.StatusOK {
		http.Error(w, "not found", self.listStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(self.listJson)
}

func (self *watchServer) ListCalls() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.listCalls
}

func (self *watchServer) Close() {
	self.server.Close()
}

// waitConn waits for the next watch connection
func (self *watchServer) waitConn(t *testing.T, timeout time.Duration) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-self.conns:
		return conn
	case <-time.After(timeout):
		t.Fatalf("no watch connection within %s", timeout)
		return nil
	}
}

func (self *watchServer) noConn(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-self.conns:
		t.Fatalf("unexpected watch connection")
	case <-time.After(timeout):
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event *WatchEvent) {
	t.Helper()
	eventJson, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, eventJson); err != nil {
		t.Fatal(err)
	}
}

func waitItems(t *testing.T, updates chan []KubeObject, timeout time.Duration) []KubeObject {
	t.Helper()
	select {
	case items := <-updates:
		return items
	case <-time.After(timeout):
		t.Fatalf("no update within %s", timeout)
		return nil
	}
}

func noItems(t *testing.T, updates chan []KubeObject, timeout time.Duration) {
	t.Helper()
	select {
	case <-updates:
		t.Fatalf("unexpected update")
	case <-time.After(timeout):
	}
}

func testObject(kind string, uid string, name string, resourceVersion string) KubeObject {
	return KubeObject{
		"kind": kind,
		"metadata": map[string]any{
			"uid":             uid,
			"name":            name,
			"resourceVersion": resourceVersion,
		},
	}
}
