package htsp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const DefaultSubprotocol = "htsp"

// message oriented duplex connection under a session.
// `ReadMessage` returns `io.EOF` when the remote closes normally.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, message []byte) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Transport, error)

type WsTransportSettings struct {
	Subprotocol      string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// 0 disables keepalive pings
	PingInterval time.Duration
	// 0 waits forever. When set, any inbound frame or pong extends the deadline.
	ReadTimeout time.Duration
	ReadLimit   int64
	Auth        *ClientAuth
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		Subprotocol:      DefaultSubprotocol,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		ReadTimeout:      0,
		ReadLimit:        16 * 1024 * 1024,
	}
}

func NewWsDialerWithDefaults() Dialer {
	return NewWsDialer(DefaultWsTransportSettings())
}

func NewWsDialer(settings *WsTransportSettings) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		header, err := settings.Auth.Header(time.Now())
		if err != nil {
			return nil, err
		}

		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
			Subprotocols:     []string{settings.Subprotocol},
		}
		ws, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		if 0 < settings.ReadLimit {
			ws.SetReadLimit(settings.ReadLimit)
		}
		return newWsTransport(ws, settings), nil
	}
}

type WsTransport struct {
	ws       *websocket.Conn
	settings *WsTransportSettings

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newWsTransport(ws *websocket.Conn, settings *WsTransportSettings) *WsTransport {
	ctx, cancel := context.WithCancel(context.Background())
	transport := &WsTransport{
		ws:       ws,
		settings: settings,
		ctx:      ctx,
		cancel:   cancel,
	}
	if 0 < settings.ReadTimeout {
		ws.SetPongHandler(func(string) error {
			transport.extendReadDeadline()
			return nil
		})
	}
	if 0 < settings.PingInterval {
		go transport.ping()
	}
	return transport
}

func (self *WsTransport) extendReadDeadline() {
	if 0 < self.settings.ReadTimeout {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	}
}

func (self *WsTransport) ping() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}
		deadline := time.Now().Add(self.settings.WriteTimeout)
		if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			// the reader surfaces the failure
			glog.V(2).Infof("[ws]ping error = %s\n", err)
			return
		}
	}
}

func (self *WsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		self.extendReadDeadline()
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage:
			return message, nil
		default:
			glog.V(2).Infof("[ws]drop message type %d (%d bytes)\n", messageType, len(message))
		}
	}
}

func (self *WsTransport) WriteMessage(ctx context.Context, message []byte) error {
	deadline := time.Now().Add(self.settings.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	self.ws.SetWriteDeadline(deadline)
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *WsTransport) Close() error {
	var err error
	self.closeOnce.Do(func() {
		self.cancel()
		deadline := time.Now().Add(self.settings.WriteTimeout)
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if closeErr := self.ws.WriteControl(websocket.CloseMessage, closeMessage, deadline); closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
			glog.V(2).Infof("[ws]close message error = %s\n", closeErr)
		}
		err = self.ws.Close()
	})
	return err
}
