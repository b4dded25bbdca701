package stream

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type StreamSettings struct {
	// fixed interval between reconnect attempts. there is no upper bound on
	// attempts. a watch stays live as long as a subscriber exists.
	ReconnectTimeout time.Duration
	SocketSettings   *SocketSettings
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		ReconnectTimeout: 3 * time.Second,
		SocketSettings:   DefaultSocketSettings(),
	}
}

// Stream wraps a `Socket` with cancellation and a reconnect policy.
// This is the unit callers use for a single watch.
//
// When `onFail` is nil the stream reconnects forever until canceled.
// When `onFail` is given, the caller owns failure handling and must ask for
// reconnection explicitly with `retry`.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl     string
	token     func() string
	onMessage MessageFunc
	onFail    FailFunc
	retry     bool

	settings *StreamSettings

	mutex    sync.Mutex
	socket   *Socket
	canceled bool
}

func NewStream(
	ctx context.Context,
	wsUrl string,
	token func() string,
	onMessage MessageFunc,
	onFail FailFunc,
	retry bool,
	settings *StreamSettings,
) *Stream {
	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &Stream{
		ctx:       cancelCtx,
		cancel:    cancel,
		wsUrl:     wsUrl,
		token:     token,
		onMessage: onMessage,
		onFail:    onFail,
		retry:     onFail == nil || retry,
		settings:  settings,
	}
	go stream.run()
	return stream
}

func (self *Stream) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		socketFail := make(chan error, 1)
		token := ""
		if self.token != nil {
			token = self.token()
		}
		socket, err := NewSocket(
			self.ctx,
			self.wsUrl,
			token,
			self.onMessage,
			func(err error) {
				select {
				case socketFail <- err:
				default:
				}
			},
			self.settings.SocketSettings,
		)
		if err != nil {
			glog.Infof("[stream]connect error %s = %s\n", self.wsUrl, err)
			if self.onFail != nil {
				self.onFail(err)
			}
			if !self.retry {
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		if !self.setSocket(socket) {
			// canceled while dialing
			socket.Close()
			return
		}

		select {
		case <-self.ctx.Done():
			return
		case err := <-socketFail:
			self.setSocket(nil)
			glog.V(2).Infof("[stream]close %s = %s\n", self.wsUrl, err)
			if self.onFail != nil {
				self.onFail(err)
			}
			if !self.retry {
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
			}
		}
	}
}

func (self *Stream) setSocket(socket *Socket) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.canceled {
		return false
	}
	self.socket = socket
	return true
}

// idempotent. suppresses further reconnects and closes the live socket
// if one exists. no callback is invoked after cancel, except that one
// in flight message already queued for delivery may still arrive.
func (self *Stream) Cancel() {
	self.mutex.Lock()
	if self.canceled {
		self.mutex.Unlock()
		return
	}
	self.canceled = true
	socket := self.socket
	self.socket = nil
	self.mutex.Unlock()

	self.cancel()
	if socket != nil {
		socket.Close()
	}
}
