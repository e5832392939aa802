package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Status is what a primary transport reports about its connection
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var ErrNotConnected = errors.New("transport not connected")

// Transport is the primary, bidirectional channel of a session. Callbacks
// must be registered before Connect and are invoked without locks held.
type Transport interface {
	Connect(ctx context.Context)
	Send(frame []byte) error
	OnStatusChange(fn func(Status))
	OnMessage(fn func(frame []byte))
	Close() error
}

// WebSocketTransport keeps one WebSocket open to the server, redialing with
// exponential backoff until closed
type WebSocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	statusFns  []func(Status)
	messageFns []func([]byte)

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	writeMu sync.Mutex
	done    chan struct{}
}

// WebSocketURL derives the /ws/{room} endpoint from an http(s) base URL
func WebSocketURL(baseURL, room string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("ws", room).String(), nil
}

func NewWebSocketTransport(wsURL, token string, logger *zap.SugaredLogger) *WebSocketTransport {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebSocketTransport{
		url:    wsURL,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (t *WebSocketTransport) OnStatusChange(fn func(Status)) {
	t.statusFns = append(t.statusFns, fn)
}

func (t *WebSocketTransport) OnMessage(fn func([]byte)) {
	t.messageFns = append(t.messageFns, fn)
}

func (t *WebSocketTransport) emit(s Status) {
	for _, fn := range t.statusFns {
		fn(s)
	}
}

// Connect starts the dial loop in the background
func (t *WebSocketTransport) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx)
}

func (t *WebSocketTransport) run(ctx context.Context) {
	defer close(t.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		t.emit(StatusConnecting)
		conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.NextBackOff()
			t.logger.Debugw("WebSocket dial failed", "url", t.url, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.emit(StatusConnected)

		t.read(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()
		t.emit(StatusDisconnected)

		if ctx.Err() != nil {
			return
		}
	}
}

func (t *WebSocketTransport) read(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debugw("WebSocket closed", "url", t.url, "error", err)
			}
			return
		}
		for _, fn := range t.messageFns {
			fn(frame)
		}
	}
}

func (t *WebSocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close stops redialing and closes the connection
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
	}
	cancel()
	<-t.done
	return nil
}

// idleTransport never connects. Sessions forced onto the fallback path use it.
type idleTransport struct{}

func (idleTransport) Connect(context.Context)     {}
func (idleTransport) Send([]byte) error           { return ErrNotConnected }
func (idleTransport) OnStatusChange(func(Status)) {}
func (idleTransport) OnMessage(func([]byte))      {}
func (idleTransport) Close() error                { return nil }
