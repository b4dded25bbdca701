package stream

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseFrame(t *testing.T) {
	frame, ok := parseFrame([]byte(`{"clusterId":"c1","path":"/api/v1/pods","query":"","type":"COMPLETE"}`))
	assert.Equal(t, ok, true)
	assert.Equal(t, frame.ClusterId, "c1")
	assert.Equal(t, frame.Path, "/api/v1/pods")
	assert.Equal(t, frame.Type, FrameTypeComplete)

	frame, ok = parseFrame([]byte(`{"clusterId":"c1","path":"/api/v1/pods","data":"{\"x\":1}"}`))
	assert.Equal(t, ok, true)
	assert.Equal(t, frame.Type, FrameType(""))
	assert.Equal(t, frame.Data, `{"x":1}`)

	// missing path
	_, ok = parseFrame([]byte(`{"clusterId":"c1"}`))
	assert.Equal(t, ok, false)

	// missing cluster id
	_, ok = parseFrame([]byte(`{"path":"/api/v1/pods"}`))
	assert.Equal(t, ok, false)

	// malformed json
	_, ok = parseFrame([]byte(`{`))
	assert.Equal(t, ok, false)

	// not an object
	_, ok = parseFrame([]byte(`"hello"`))
	assert.Equal(t, ok, false)
}

func TestSubscriptionKey(t *testing.T) {
	a := SubscriptionKey{ClusterId: "c1", Path: "/api/v1/pods", Query: "labelSelector=a"}
	b := SubscriptionKey{ClusterId: "c1", Path: "/api/v1/pods", Query: "labelSelector=a"}
	c := SubscriptionKey{ClusterId: "c2", Path: "/api/v1/pods", Query: "labelSelector=a"}

	// equal keys share one registry entry
	assert.Equal(t, a == b, true)
	assert.Equal(t, a == c, false)
	assert.Equal(t, a.String(), "c1:/api/v1/pods:labelSelector=a")
}

func TestVersionNewer(t *testing.T) {
	newer, comparable := versionNewer("6", "5")
	assert.Equal(t, newer, true)
	assert.Equal(t, comparable, true)

	newer, comparable = versionNewer("5", "5")
	assert.Equal(t, newer, false)
	assert.Equal(t, comparable, true)

	newer, comparable = versionNewer("4", "5")
	assert.Equal(t, newer, false)
	assert.Equal(t, comparable, true)

	// versions are ordered numerically, not lexically
	newer, comparable = versionNewer("10", "9")
	assert.Equal(t, newer, true)
	assert.Equal(t, comparable, true)

	_, comparable = versionNewer("", "5")
	assert.Equal(t, comparable, false)

	_, comparable = versionNewer("6", "")
	assert.Equal(t, comparable, false)

	_, comparable = versionNewer("abc", "5")
	assert.Equal(t, comparable, false)
}

func TestKubeObjectAccessors(t *testing.T) {
	object := testObject("Pod", "uid-1", "pod-1", "5")
	assert.Equal(t, object.Kind(), "Pod")
	assert.Equal(t, object.Uid(), "uid-1")
	assert.Equal(t, object.Name(), "pod-1")
	assert.Equal(t, object.ResourceVersion(), "5")

	object.SetKind("Service")
	assert.Equal(t, object.Kind(), "Service")

	// objects without metadata read as empty
	empty := KubeObject{}
	assert.Equal(t, empty.Uid(), "")
	assert.Equal(t, empty.ResourceVersion(), "")
}

func TestTrimListKind(t *testing.T) {
	assert.Equal(t, trimListKind("PodList"), "Pod")
	assert.Equal(t, trimListKind("CronJobList"), "CronJob")
	assert.Equal(t, trimListKind("Pod"), "Pod")
}
