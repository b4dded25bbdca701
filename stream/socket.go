package stream

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SocketSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
}

func DefaultSocketSettings() *SocketSettings {
	return &SocketSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

// the sub protocol that selects binary framing on the stream endpoint
const binarySubProtocol = "base64.binary.k8s.io"

// bearer tokens ride along as an extra sub protocol entry,
// base64 encoded with padding stripped
const bearerSubProtocolPrefix = "base64url.bearer.authorization.k8s.io."

func bearerSubProtocol(token string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(token))
	return bearerSubProtocolPrefix + strings.TrimRight(encoded, "=")
}

type MessageFunc func(message []byte)
type FailFunc func(err error)

// Socket owns one physical websocket to one stream endpoint. It has no
// retry logic. An unexpected close is reported once through the fail
// callback; a caller initiated `Close` is not.
type Socket struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn *websocket.Conn

	settings *SocketSettings

	writeMutex sync.Mutex

	closeMutex sync.Mutex
	closed     bool
}

func NewSocket(
	ctx context.Context,
	wsUrl string,
	token string,
	onMessage MessageFunc,
	onFail FailFunc,
	settings *SocketSettings,
) (*Socket, error) {
	subProtocols := []string{binarySubProtocol}
	if token != "" {
		subProtocols = append(subProtocols, bearerSubProtocol(token))
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
		Subprotocols:     subProtocols,
	}

	conn, _, err := dialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	socket := &Socket{
		ctx:      cancelCtx,
		cancel:   cancel,
		conn:     conn,
		settings: settings,
	}
	go socket.run(onMessage, onFail)
	return socket, nil
}

func (self *Socket) run(onMessage MessageFunc, onFail FailFunc) {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		_, message, err := self.conn.ReadMessage()
		if err != nil {
			if self.isClosed() {
				// caller initiated
				return
			}
			glog.V(2).Infof("[ws]read error = %s\n", err)
			if onFail != nil {
				onFail(err)
			}
			return
		}

		if onMessage != nil {
			onMessage(message)
		}
	}
}

// WriteJson sends one json encoded frame
func (self *Socket) WriteJson(frame any) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.conn.WriteJSON(frame)
}

func (self *Socket) isClosed() bool {
	self.closeMutex.Lock()
	defer self.closeMutex.Unlock()
	return self.closed
}

// idempotent
func (self *Socket) Close() {
	self.closeMutex.Lock()
	if self.closed {
		self.closeMutex.Unlock()
		return
	}
	self.closed = true
	self.closeMutex.Unlock()

	self.cancel()
	self.conn.Close()
}
