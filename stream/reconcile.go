package stream

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

// UpdateFunc receives the full reconciled collection after every accepted
// event. Push granularity is per event, not batched.
type UpdateFunc func(items []KubeObject)

// ErrorFunc receives terminal request errors together with a handle that
// cancels further retries.
type ErrorFunc func(err error, cancel func())

// the action tag the reconciler stamps on an item when an event is applied
const actionTypeField = "actionType"

// StreamResults mirrors a list endpoint: it fetches the full list once, then
// watches for events newer than the snapshot and folds them into a uid
// indexed collection. The collection is pushed to `onUpdate` on the snapshot
// and after every accepted event. The returned cancel is idempotent.
func StreamResults(
	ctx context.Context,
	client *ApiClient,
	path string,
	query url.Values,
	onUpdate UpdateFunc,
	onError ErrorFunc,
	settings *StreamSettings,
) func() {
	cancelCtx, cancel := context.WithCancel(ctx)
	reconciler := &listReconciler{
		ctx:        cancelCtx,
		cancelCtx:  cancel,
		client:     client,
		path:       path,
		query:      cloneQuery(query),
		onUpdate:   onUpdate,
		onError:    onError,
		settings:   settings,
		collection: map[string]KubeObject{},
	}
	go reconciler.run()
	return reconciler.Cancel
}

type listReconciler struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	client   *ApiClient
	path     string
	query    url.Values
	onUpdate UpdateFunc
	onError  ErrorFunc
	settings *StreamSettings

	mutex      sync.Mutex
	collection map[string]KubeObject
	stream     *Stream
	canceled   bool
}

func (self *listReconciler) run() {
	list := &KubeObjectList{}
	if err := self.client.GetJson(self.path, self.query, list); err != nil {
		glog.Infof("[rec]snapshot error %s = %s\n", self.path, err)
		if self.onError != nil {
			self.onError(err, self.Cancel)
		}
		return
	}

	kind := trimListKind(list.Kind)

	self.mutex.Lock()
	if self.canceled {
		self.mutex.Unlock()
		return
	}
	for _, item := range list.Items {
		if item == nil {
			glog.Infof("[rec]null snapshot item %s\n", self.path)
			continue
		}
		item.SetKind(kind)
		uid := item.Uid()
		if uid == "" {
			glog.Infof("[rec]snapshot item without uid %s\n", self.path)
			continue
		}
		self.collection[uid] = item
	}
	self.mutex.Unlock()

	self.push()

	// watch for events strictly newer than the snapshot
	watchQuery := cloneQuery(self.query)
	watchQuery.Set("watch", "1")
	if list.Metadata.ResourceVersion != "" {
		watchQuery.Set("resourceVersion", list.Metadata.ResourceVersion)
	}

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

func (self *listReconciler) onWatchMessage(message []byte) {
	var event WatchEvent
	if err := json.Unmarshal(message, &event); err != nil {
		glog.Infof("[rec]malformed event %s = %s\n", self.path, err)
		return
	}
	if self.update(&event) {
		self.push()
	}
}

// update folds one event into the collection.
// returns whether the collection changed.
func (self *listReconciler) update(event *WatchEvent) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.canceled {
		return false
	}

	switch event.Type {
	case WatchEventAdded:
		uid := event.Object.Uid()
		if uid == "" {
			glog.Infof("[rec]added without uid %s\n", self.path)
			return false
		}
		event.Object[actionTypeField] = string(WatchEventAdded)
		self.collection[uid] = event.Object
		return true
	case WatchEventModified:
		uid := event.Object.Uid()
		if uid == "" {
			glog.Infof("[rec]modified without uid %s\n", self.path)
			return false
		}
		existing, ok := self.collection[uid]
		if !ok {
			event.Object[actionTypeField] = string(WatchEventModified)
			self.collection[uid] = event.Object
			return true
		}
		// the protocol requires version markers for conflict resolution.
		// an update is applied only if its version is strictly greater, so
		// collection state never regresses to an older version.
		newer, comparable := versionNewer(event.Object.ResourceVersion(), existing.ResourceVersion())
		if !comparable {
			glog.Errorf("[rec]modified without comparable resource versions %s uid=%s\n", self.path, uid)
			return false
		}
		if !newer {
			glog.V(2).Infof("[rec]stale modified dropped %s uid=%s\n", self.path, uid)
			return false
		}
		event.Object[actionTypeField] = string(WatchEventModified)
		self.collection[uid] = event.Object
		return true
	case WatchEventDeleted:
		uid := event.Object.Uid()
		if _, ok := self.collection[uid]; !ok {
			return false
		}
		delete(self.collection, uid)
		return true
	case WatchEventError:
		glog.Infof("[rec]error event %s = %v\n", self.path, event.Object)
		return false
	default:
		glog.Infof("[rec]unknown event type %s = %s\n", self.path, event.Type)
		return false
	}
}

func (self *listReconciler) push() {
	self.mutex.Lock()
	if self.canceled {
		self.mutex.Unlock()
		return
	}
	items := make([]KubeObject, 0, len(self.collection))
	for _, item := range self.collection {
		items = append(items, item)
	}
	self.mutex.Unlock()

	if self.onUpdate != nil {
		safeCallback("[rec]", func() {
			self.onUpdate(items)
		})
	}
}

// idempotent
func (self *listReconciler) Cancel() {
	self.mutex.Lock()
	if self.canceled {
		self.mutex.Unlock()
		return
	}
	self.canceled = true
	stream := self.stream
	self.stream = nil
	self.collection = map[string]KubeObject{}
	self.mutex.Unlock()

	self.cancelCtx()
	if stream != nil {
		stream.Cancel()
	}
}

func cloneQuery(query url.Values) url.Values {
	clone := url.Values{}
	for key, values := range query {
		for _, value := range values {
			clone.Add(key, value)
		}
	}
	return clone
}
