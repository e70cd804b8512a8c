package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mochi-mqtt/server/v2/listeners"
)

type mochiListener = listeners.Listener

var (
	_ mochiListener = (*listeners.Net)(nil)
	_ mochiListener = (*wsListener)(nil)
	_ net.Conn      = (*wsConn)(nil)
)

func newNetListener(id string, l net.Listener) mochiListener {
	return listeners.NewNet(id, l)
}

// deadlineListener bounds the time between accept and CONNECT. The broker
// replaces the deadline with the keep-alive one once the session is up.
type deadlineListener struct {
	net.Listener
	timeout time.Duration
}

func (l *deadlineListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(l.timeout))
	return conn, nil
}

// wsListener serves MQTT over websockets on an existing listener, any path,
// subprotocol "mqtt".
type wsListener struct {
	id       string
	listener net.Listener
	timeout  time.Duration
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	establish listeners.EstablishFn
	closed    bool
}

func newWSListener(id string, l net.Listener, connectTimeout time.Duration) *wsListener {
	return &wsListener{
		id:       id,
		listener: l,
		timeout:  connectTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"mqtt"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (l *wsListener) ID() string       { return l.id }
func (l *wsListener) Address() string  { return l.listener.Addr().String() }
func (l *wsListener) Protocol() string { return "ws" }

func (l *wsListener) Init(log *slog.Logger) error {
	l.log = log
	l.server = &http.Server{
		Handler:           http.HandlerFunc(l.handle),
		ReadHeaderTimeout: l.timeout,
	}
	return nil
}

func (l *wsListener) Serve(establish listeners.EstablishFn) {
	l.mu.Lock()
	l.establish = establish
	l.mu.Unlock()

	if err := l.server.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error("websocket listener stopped", "error", err, "listener", l.id)
	}
}

func (l *wsListener) Close(closeClients listeners.CloseFn) {
	l.mu.Lock()
	closed := l.closed
	l.closed = true
	l.mu.Unlock()

	if !closed {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.server.Shutdown(ctx)
	}
	closeClients(l.id)
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	l.mu.Lock()
	establish, closed := l.establish, l.closed
	l.mu.Unlock()
	if closed || establish == nil {
		_ = ws.Close()
		return
	}

	conn := newWSConn(ws)
	_ = conn.SetDeadline(time.Now().Add(l.timeout))
	if err := establish(l.id, conn); err != nil {
		l.log.Debug("websocket session ended", "error", err, "listener", l.id)
	}
}

// wsConn streams MQTT over binary websocket frames. Inbound frames are read
// as one continuous byte stream; every Write is sent as one frame.
type wsConn struct {
	net.Conn
	ws     *websocket.Conn
	reader io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{Conn: ws.UnderlyingConn(), ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
