package stream

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

// ApiEndpoint is one api group/version candidate through which a resource
// might be reachable.
type ApiEndpoint struct {
	Group    string
	Version  string
	Resource string
}

func (self ApiEndpoint) Path() string {
	if self.Group == "" {
		return "/api/" + self.Version + "/" + self.Resource
	}
	return "/apis/" + self.Group + "/" + self.Version + "/" + self.Resource
}

func (self ApiEndpoint) String() string {
	return self.Path()
}

// FailoverClient wraps an ordered list of api group candidates for the same
// resource. Streaming verbs advance to the next candidate on a not found
// error, keeping at most one candidate stream active. Plain verbs try
// candidates sequentially per call.
type FailoverClient struct {
	client    *ApiClient
	endpoints []ApiEndpoint
	settings  *StreamSettings
}

func NewFailoverClient(client *ApiClient, endpoints []ApiEndpoint, settings *StreamSettings) *FailoverClient {
	return &FailoverClient{
		client:    client,
		endpoints: endpoints,
		settings:  settings,
	}
}

// StreamList runs `StreamResults` against the first reachable candidate.
func (self *FailoverClient) StreamList(
	ctx context.Context,
	query url.Values,
	onUpdate UpdateFunc,
	onError ErrorFunc,
) func() {
	return self.stream(onError, func(endpoint ApiEndpoint, wrappedError ErrorFunc) func() {
		return StreamResults(ctx, self.client, endpoint.Path(), query, onUpdate, wrappedError, self.settings)
	})
}

// StreamObject runs `StreamResult` against the first reachable candidate.
func (self *FailoverClient) StreamObject(
	ctx context.Context,
	name string,
	query url.Values,
	onUpdate ObjectUpdateFunc,
	onError ErrorFunc,
) func() {
	return self.stream(onError, func(endpoint ApiEndpoint, wrappedError ErrorFunc) func() {
		return StreamResult(ctx, self.client, endpoint.Path(), name, query, onUpdate, wrappedError, self.settings)
	})
}

func (self *FailoverClient) stream(
	onError ErrorFunc,
	start func(endpoint ApiEndpoint, wrappedError ErrorFunc) func(),
) func() {
	run := &failoverRun{
		endpoints: self.endpoints,
		onError:   onError,
		start:     start,
	}
	run.next(0)
	return run.Cancel
}

// failoverRun tracks which candidate is active. switching candidates fully
// tears down the previous stream before starting the next, so frames are
// never delivered from two candidates at once.
type failoverRun struct {
	endpoints []ApiEndpoint
	onError   ErrorFunc
	start     func(endpoint ApiEndpoint, wrappedError ErrorFunc) func()

	mutex        sync.Mutex
	index        int
	cancelActive func()
	canceled     bool
}

func (self *failoverRun) next(index int) {
	self.mutex.Lock()
	if self.canceled || len(self.endpoints) <= index {
		self.mutex.Unlock()
		return
	}
	self.index = index
	endpoint := self.endpoints[index]
	self.mutex.Unlock()

	wrappedError := func(err error, cancel func()) {
		self.handleError(index, err, cancel)
	}
	cancelStream := self.start(endpoint, wrappedError)

	self.mutex.Lock()
	if self.canceled || self.index != index {
		self.mutex.Unlock()
		cancelStream()
		return
	}
	self.cancelActive = cancelStream
	self.mutex.Unlock()
}

func (self *failoverRun) handleError(index int, err error, cancelStream func()) {
	self.mutex.Lock()
	if self.canceled || self.index != index {
		// a stale candidate already replaced
		self.mutex.Unlock()
		return
	}
	last := len(self.endpoints) <= index+1
	self.cancelActive = nil
	self.mutex.Unlock()

	if IsNotFound(err) && !last {
		glog.V(2).Infof("[failover]%s not found, next candidate\n", self.endpoints[index])
		cancelStream()
		self.next(index + 1)
		return
	}

	if self.onError != nil {
		self.onError(err, self.Cancel)
	}
}

// idempotent
func (self *failoverRun) Cancel() {
	self.mutex.Lock()
	if self.canceled {
		self.mutex.Unlock()
		return
	}
	self.canceled = true
	cancelActive := self.cancelActive
	self.cancelActive = nil
	self.mutex.Unlock()

	if cancelActive != nil {
		cancelActive()
	}
}

// plain verbs try candidates sequentially, short circuiting on the first
// non 404 response. exhausting all candidates propagates the last error.

func (self *FailoverClient) Post(query url.Values, args any, result any) error {
	return self.eachEndpoint(func(endpoint ApiEndpoint) error {
		return self.client.PostJson(endpoint.Path(), query, args, result)
	})
}

func (self *FailoverClient) Put(name string, query url.Values, args any, result any) error {
	return self.eachEndpoint(func(endpoint ApiEndpoint) error {
		return self.client.PutJson(endpoint.Path()+"/"+name, query, args, result)
	})
}

func (self *FailoverClient) Patch(name string, query url.Values, args any, result any) error {
	return self.eachEndpoint(func(endpoint ApiEndpoint) error {
		return self.client.PatchJson(endpoint.Path()+"/"+name, query, args, result)
	})
}

func (self *FailoverClient) Delete(name string, query url.Values, result any) error {
	return self.eachEndpoint(func(endpoint ApiEndpoint) error {
		return self.client.DeleteJson(endpoint.Path()+"/"+name, query, result)
	})
}

func (self *FailoverClient) eachEndpoint(call func(endpoint ApiEndpoint) error) error {
	if len(self.endpoints) == 0 {
		return errors.New("no api endpoints")
	}
	var lastErr error
	for _, endpoint := range self.endpoints {
		err := call(endpoint)
		if err == nil {
			return nil
		}
		if !IsNotFound(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
