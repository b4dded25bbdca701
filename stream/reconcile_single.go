package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

// ObjectUpdateFunc receives the current state of one object per event.
type ObjectUpdateFunc func(object KubeObject)

// StreamResult is the single object version of `StreamResults`: one GET by
// name, then a watch filtered server side to that name. Each event's object
// is passed through directly. The server is trusted to deliver the current
// object state per event, so there is no local merge.
func StreamResult(
	ctx context.Context,
	client *ApiClient,
	path string,
	name string,
	query url.Values,
	onUpdate ObjectUpdateFunc,
	onError ErrorFunc,
	settings *StreamSettings,
) func() {
	cancelCtx, cancel := context.WithCancel(ctx)
	reconciler := &objectReconciler{
		ctx:       cancelCtx,
		cancelCtx: cancel,
		client:    client,
		path:      path,
		name:      name,
		query:     cloneQuery(query),
		onUpdate:  onUpdate,
		onError:   onError,
		settings:  settings,
	}
	go reconciler.run()
	return reconciler.Cancel
}

type objectReconciler struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	client   *ApiClient
	path     string
	name     string
	query    url.Values
	onUpdate ObjectUpdateFunc
	onError  ErrorFunc
	settings *StreamSettings

	mutex    sync.Mutex
	stream   *Stream
	canceled bool
}

func (self *objectReconciler) run() {
	object := KubeObject{}
	if err := self.client.GetJson(self.path+"/"+self.name, self.query, &object); err != nil {
		glog.Infof("[rec]get error %s/%s = %s\n", self.path, self.name, err)
		if self.onError != nil {
			self.onError(err, self.Cancel)
		}
		return
	}

	self.deliver(object)

	watchQuery := cloneQuery(self.query)
	watchQuery.Set("watch", "1")
	watchQuery.Set("fieldSelector", "metadata.name="+self.name)

	stream := NewStream(
		self.ctx,
		self.client.wsUrl(self.path, watchQuery),
		self.client.token,
		self.onWatchMessage,
		nil,
		true,
		self.settings,
	)

	self.mutex.Lock()
	if self.canceled {
		self.mutex.Unlock()
		stream.Cancel()
		return
	}
	self.stream = stream
	self.mutex.Unlock()
}

func (self *objectReconciler) onWatchMessage(message []byte) {
	var event WatchEvent
	if err := json.Unmarshal(message, &event); err != nil {
		glog.Infof("[rec]malformed event %s/%s = %s\n", self.path, self.name, err)
		return
	}
	switch event.Type {
	case WatchEventAdded, WatchEventModified, WatchEventDeleted:
		self.deliver(event.Object)
	case WatchEventError:
		glog.Infof("[rec]error event %s/%s = %v\n", self.path, self.name, event.Object)
	default:
		glog.Infof("[rec]unknown event type %s/%s = %s\n", self.path, self.name, event.Type)
	}
}

func (self *objectReconciler) deliver(object KubeObject) {
	self.mutex.Lock()
	canceled := self.canceled
	self.mutex.Unlock()
	if canceled {
		return
	}
	if self.onUpdate != nil {
		safeCallback("[rec]", func() {
			self.onUpdate(object)
		})
	}
}

// idempotent
func (self *objectReconciler) Cancel() {
	self.mutex.Lock()
	if self.canceled {
		self.mutex.Unlock()
		return
	}
	self.canceled = true
	stream := self.stream
	self.stream = nil
	self.mutex.Unlock()

	self.cancelCtx()
	if stream != nil {
		stream.Cancel()
	}
}
