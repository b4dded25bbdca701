package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// control frame types on the multiplexed socket
type FrameType string

const (
	FrameTypeRequest  FrameType = "REQUEST"
	FrameTypeClose    FrameType = "CLOSE"
	FrameTypeComplete FrameType = "COMPLETE"
)

// one frame on the multiplexed socket, in either direction.
// `Type` is empty for data bearing frames, in which case `Data` carries a
// json encoded payload for the subscription identified by the key fields.
type Frame struct {
	ClusterId string    `json:"clusterId"`
	Path      string    `json:"path"`
	Query     string    `json:"query,omitempty"`
	UserId    string    `json:"userId,omitempty"`
	Type      FrameType `json:"type,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// frames without a cluster id or path cannot be routed and are dropped
func parseFrame(message []byte) (*Frame, bool) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, false
	}
	if frame.ClusterId == "" || frame.Path == "" {
		return nil, false
	}
	return &frame, true
}

func (self *Frame) key() SubscriptionKey {
	return SubscriptionKey{
		ClusterId: self.ClusterId,
		Path:      self.Path,
		Query:     self.Query,
	}
}

// comparable. identifies one logical watch independent of how many
// subscribers or physical sockets implement it.
type SubscriptionKey struct {
	ClusterId string
	Path      string
	Query     string
}

func (self SubscriptionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", self.ClusterId, self.Path, self.Query)
}

// watch event types on a logical watch stream
type WatchEventType string

const (
	WatchEventAdded    WatchEventType = "ADDED"
	WatchEventModified WatchEventType = "MODIFIED"
	WatchEventDeleted  WatchEventType = "DELETED"
	WatchEventError    WatchEventType = "ERROR"
)

type WatchEvent struct {
	Type   WatchEventType `json:"type"`
	Object KubeObject     `json:"object"`
}

// KubeObject is one domain object as received on the wire. Resource schemas
// are open ended (custom resources), so the payload stays dynamic and the
// fields the transport needs are read through accessors.
type KubeObject map[string]any

func (self KubeObject) Kind() string {
	kind, _ := self["kind"].(string)
	return kind
}

func (self KubeObject) SetKind(kind string) {
	self["kind"] = kind
}

func (self KubeObject) metadata() map[string]any {
	metadata, _ := self["metadata"].(map[string]any)
	return metadata
}

func (self KubeObject) Uid() string {
	uid, _ := self.metadata()["uid"].(string)
	return uid
}

func (self KubeObject) Name() string {
	name, _ := self.metadata()["name"].(string)
	return name
}

func (self KubeObject) ResourceVersion() string {
	resourceVersion, _ := self.metadata()["resourceVersion"].(string)
	return resourceVersion
}

// the snapshot response for a list endpoint
type KubeObjectList struct {
	Kind       string       `json:"kind"`
	ApiVersion string       `json:"apiVersion,omitempty"`
	Items      []KubeObject `json:"items"`
	Metadata   ListMeta     `json:"metadata"`
}

type ListMeta struct {
	ResourceVersion string `json:"resourceVersion"`
}

// the server names list responses `<Kind>List`. items carry the singular kind.
func trimListKind(kind string) string {
	return strings.TrimSuffix(kind, "List")
}

// resource versions are ordered numerically.
// returns (incoming newer than current, versions comparable)
func versionNewer(incoming string, current string) (bool, bool) {
	if incoming == "" || current == "" {
		return false, false
	}
	incomingVersion, err := strconv.ParseUint(incoming, 10, 64)
	if err != nil {
		return false, false
	}
	currentVersion, err := strconv.ParseUint(current, 10, 64)
	if err != nil {
		return false, false
	}
	return currentVersion < incomingVersion, true
}
