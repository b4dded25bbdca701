package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

var ErrMultiplexerClosed = errors.New("multiplexer closed")

type MultiplexerSettings struct {
	// fixed delay before reopening the shared socket after a drop,
	// while subscribers remain
	ReconnectTimeout time.Duration
	SocketSettings   *SocketSettings
}

func DefaultMultiplexerSettings() *MultiplexerSettings {
	return &MultiplexerSettings{
		ReconnectTimeout: 1 * time.Second,
		SocketSettings:   DefaultSocketSettings(),
	}
}

// Multiplexer funnels many logical subscriptions over one shared socket to a
// server side fan out endpoint. It is an explicitly constructed service
// object: create it at app start, pass it by reference, `Close` it on app
// teardown. At most one physical socket to the fan out endpoint exists per
// multiplexer at any time.
type Multiplexer struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl  string
	tokens TokenSource

	settings *MultiplexerSettings

	mutex sync.Mutex
	// non nil while the shared socket is open
	socket *Socket
	// non nil while a connection attempt is in flight. closed when the
	// attempt finishes, so all concurrent callers share one dial.
	pendingConnect chan struct{}
	// key -> subscriber handle -> callback.
	// a key exists here iff it has at least one active subscriber.
	listeners map[SubscriptionKey]map[Id]MessageFunc
	// keys the server signaled COMPLETE for. data frames for these keys are
	// dropped until the key is fully unsubscribed.
	completed map[SubscriptionKey]bool
	closed    bool
}

func NewMultiplexerWithDefaults(ctx context.Context, wsUrl string, tokens TokenSource) *Multiplexer {
	return NewMultiplexer(ctx, wsUrl, tokens, DefaultMultiplexerSettings())
}

func NewMultiplexer(ctx context.Context, wsUrl string, tokens TokenSource, settings *MultiplexerSettings) *Multiplexer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Multiplexer{
		ctx:       cancelCtx,
		cancel:    cancel,
		wsUrl:     wsUrl,
		tokens:    tokens,
		settings:  settings,
		listeners: map[SubscriptionKey]map[Id]MessageFunc{},
		completed: map[SubscriptionKey]bool{},
	}
}

// connect returns the shared socket, opening it lazily.
func (self *Multiplexer) connect() (*Socket, error) {
	for {
		self.mutex.Lock()
		if self.closed {
			self.mutex.Unlock()
			return nil, ErrMultiplexerClosed
		}
		if self.socket != nil {
			socket := self.socket
			self.mutex.Unlock()
			return socket, nil
		}
		if self.pendingConnect != nil {
			pending := self.pendingConnect
			self.mutex.Unlock()
			select {
			case <-self.ctx.Done():
				return nil, ErrMultiplexerClosed
			case <-pending:
			}
			continue
		}
		pending := make(chan struct{})
		self.pendingConnect = pending
		self.mutex.Unlock()

		token := ""
		if self.tokens != nil {
			token, _ = self.tokens.Token("")
		}
		socket, err := NewSocket(
			self.ctx,
			self.wsUrl,
			token,
			self.dispatch,
			self.onSocketFail,
			self.settings.SocketSettings,
		)

		self.mutex.Lock()
		self.pendingConnect = nil
		closed := self.closed
		if err == nil && !closed {
			self.socket = socket
		}
		self.mutex.Unlock()
		close(pending)

		if err != nil {
			return nil, err
		}
		if closed {
			socket.Close()
			return nil, ErrMultiplexerClosed
		}
		glog.V(2).Infof("[mux]connect %s\n", self.wsUrl)
		return socket, nil
	}
}

// Subscribe registers `onMessage` for the (clusterId, path, query) key,
// ensures the shared socket is open, and announces the subscription to the
// server with a REQUEST frame. Exactly one REQUEST frame is sent per call,
// even when the key already has subscribers. The returned unsubscribe is
// idempotent.
func (self *Multiplexer) Subscribe(clusterId string, path string, query string, onMessage MessageFunc) (func(), error) {
	key := SubscriptionKey{
		ClusterId: clusterId,
		Path:      path,
		Query:     query,
	}

	socket, err := self.connect()
	if err != nil {
		return nil, err
	}

	handle := NewId()

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil, ErrMultiplexerClosed
	}
	callbacks, ok := self.listeners[key]
	if !ok {
		callbacks = map[Id]MessageFunc{}
		self.listeners[key] = callbacks
	}
	callbacks[handle] = onMessage
	self.mutex.Unlock()

	glog.V(2).Infof("[mux]subscribe %s %s\n", key, handle)

	// a send failure here is a transport error. the subscription stays
	// registered and the request is replayed after reconnect.
	if err := self.sendRequest(socket, key); err != nil {
		glog.Infof("[mux]request send error %s = %s\n", key, err)
	}

	unsubscribe := func() {
		self.unsubscribe(key, handle)
	}
	return unsubscribe, nil
}

func (self *Multiplexer) sendRequest(socket *Socket, key SubscriptionKey) error {
	userId := ""
	if self.tokens != nil {
		if token, err := self.tokens.Token(key.ClusterId); err == nil && token != "" {
			if claims, err := ParseBearerUnverified(token); err == nil {
				userId = claims.UserId
			}
		}
	}
	return socket.WriteJson(&Frame{
		ClusterId: key.ClusterId,
		Path:      key.Path,
		Query:     key.Query,
		UserId:    userId,
		Type:      FrameTypeRequest,
	})
}

func (self *Multiplexer) unsubscribe(key SubscriptionKey, handle Id) {
	self.mutex.Lock()
	callbacks, ok := self.listeners[key]
	if !ok {
		self.mutex.Unlock()
		return
	}
	if _, ok := callbacks[handle]; !ok {
		self.mutex.Unlock()
		return
	}
	delete(callbacks, handle)
	glog.V(2).Infof("[mux]unsubscribe %s %s\n", key, handle)
	last := len(callbacks) == 0
	if last {
		delete(self.listeners, key)
		delete(self.completed, key)
	}
	empty := len(self.listeners) == 0
	socket := self.socket
	if last && empty {
		// a future subscribe reopens fresh
		self.socket = nil
	}
	self.mutex.Unlock()

	if !last || socket == nil {
		return
	}

	err := socket.WriteJson(&Frame{
		ClusterId: key.ClusterId,
		Path:      key.Path,
		Query:     key.Query,
		Type:      FrameTypeClose,
	})
	if err != nil {
		glog.Infof("[mux]close send error %s = %s\n", key, err)
	}
	if empty {
		socket.Close()
	}
}

// dispatch routes one inbound frame to the subscribers of its key
func (self *Multiplexer) dispatch(message []byte) {
	frame, ok := parseFrame(message)
	if !ok {
		glog.V(2).Infof("[mux]unroutable frame dropped\n")
		return
	}
	key := frame.key()

	switch frame.Type {
	case FrameTypeComplete:
		// the server declared this logical stream finished. gate further
		// data frames for the key and acknowledge the teardown.
		self.mutex.Lock()
		if _, ok := self.listeners[key]; ok {
			self.completed[key] = true
		}
		socket := self.socket
		self.mutex.Unlock()

		glog.V(2).Infof("[mux]complete %s\n", key)
		if socket != nil {
			err := socket.WriteJson(&Frame{
				ClusterId: key.ClusterId,
				Path:      key.Path,
				Query:     key.Query,
				Type:      FrameTypeClose,
			})
			if err != nil {
				glog.Infof("[mux]close send error %s = %s\n", key, err)
			}
		}
		return
	case FrameTypeRequest, FrameTypeClose:
		// control frames the server never originates
		glog.V(2).Infof("[mux]unexpected control frame %s = %s\n", key, frame.Type)
		return
	}

	self.mutex.Lock()
	if self.completed[key] {
		self.mutex.Unlock()
		glog.V(2).Infof("[mux]frame for completed key dropped %s\n", key)
		return
	}
	callbacks := maps.Values(self.listeners[key])
	self.mutex.Unlock()

	if len(callbacks) == 0 {
		return
	}

	data := []byte(frame.Data)
	if !json.Valid(data) {
		glog.Infof("[mux]malformed data payload %s\n", key)
		return
	}

	for _, callback := range callbacks {
		callback := callback
		safeCallback("[mux]", func() {
			callback(data)
		})
	}
}

func (self *Multiplexer) onSocketFail(err error) {
	self.mutex.Lock()
	self.socket = nil
	hasListeners := 0 < len(self.listeners)
	closed := self.closed
	self.mutex.Unlock()

	if closed {
		return
	}
	glog.Infof("[mux]socket closed = %s\n", err)
	if hasListeners {
		go self.reconnect()
	}
}

// reconnect reopens the shared socket after a drop and replays a REQUEST
// frame for every active subscription key, so the server resumes pushing
// without action from the subscribers.
func (self *Multiplexer) reconnect() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}

		self.mutex.Lock()
		hasListeners := 0 < len(self.listeners)
		self.mutex.Unlock()
		if !hasListeners {
			return
		}

		socket, err := self.connect()
		if err != nil {
			glog.Infof("[mux]reconnect error = %s\n", err)
			continue
		}

		self.mutex.Lock()
		keys := maps.Keys(self.listeners)
		self.mutex.Unlock()

		for _, key := range keys {
			if err := self.sendRequest(socket, key); err != nil {
				glog.Infof("[mux]request replay error %s = %s\n", key, err)
			}
		}
		return
	}
}

// Close tears the multiplexer down. Subsequent subscribes fail with
// ErrMultiplexerClosed. Idempotent.
func (self *Multiplexer) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	socket := self.socket
	self.socket = nil
	maps.Clear(self.listeners)
	maps.Clear(self.completed)
	self.mutex.Unlock()

	self.cancel()
	if socket != nil {
		socket.Close()
	}
}
