package channel

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

const sendQueueSize = 256

// flushTimeout bounds how long Close waits for queued frames to be written.
const flushTimeout = 2 * time.Second

// DefaultWebPath is the upgrade path served by WebAcceptor.
const DefaultWebPath = "/ws"

// wsConn is the subset of a WebSocket connection shared by gorilla and fiber.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WebChannel carries one Invoke per WebSocket text message.
type WebChannel struct {
	*inbox

	conn    wsConn
	send    chan []byte
	flushed chan struct{}
}

func newWebChannel(conn wsConn, remote string) *WebChannel {
	c := &WebChannel{
		inbox:   newInbox(remote, StateOpen),
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		flushed: make(chan struct{}),
	}
	c.teardown = func() {
		select {
		case <-c.flushed:
		case <-time.After(flushTimeout):
		}
		_ = conn.Close()
	}
	go c.writePump()
	return c
}

// Send implements Channel. Messages are queued for the write pump.
func (c *WebChannel) Send(inv *types.Invoke) error {
	if c.State() != StateOpen {
		return c.notOpen()
	}

	data, err := types.Encode(inv)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	default:
		return types.NewSendBufferFullError(c.remote, sendQueueSize)
	}
}

// writePump owns all writes. Once the channel is closed it writes what is
// still queued, then releases teardown through flushed.
func (c *WebChannel) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				close(c.flushed)
				c.shutdown(err)
				return
			}
		case <-c.done:
			c.drain()
			close(c.flushed)
			return
		}
	}
}

func (c *WebChannel) drain() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WebChannel) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.shutdown(err)
			return
		}

		inv, err := types.Decode(raw)
		if err != nil {
			logger.Warn("ws: invalid message", zap.String("remote", c.remote), zap.Error(err))
			continue
		}
		c.push(inv)
	}
}

// WebDialer dials WebSocket channels with gorilla.
type WebDialer struct {
	HandshakeTimeout time.Duration
	Path             string
}

// Dial implements Dialer. address may be host:port or an http(s)/ws(s) URL.
func (d WebDialer) Dial(ctx context.Context, address string) (Channel, error) {
	url := toWebSocketURL(address)
	if !strings.Contains(strings.TrimPrefix(strings.TrimPrefix(url, "wss://"), "ws://"), "/") {
		path := d.Path
		if path == "" {
			path = DefaultWebPath
		}
		url += path
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, types.NewConnectionError(address, err)
	}

	c := newWebChannel(ws, address)
	go c.readPump()
	return c, nil
}

func toWebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}

// WebAcceptor serves WebSocket channels on a fiber app.
type WebAcceptor struct {
	path string

	mu    sync.Mutex
	app   *fiber.App
	ln    net.Listener
	live  map[*WebChannel]struct{}
	close bool
}

// NewWebAcceptor creates an acceptor upgrading requests on path.
func NewWebAcceptor(path string) *WebAcceptor {
	if path == "" {
		path = DefaultWebPath
	}
	return &WebAcceptor{path: path, live: make(map[*WebChannel]struct{})}
}

// Listen implements Acceptor.
func (a *WebAcceptor) Listen(address string, accept func(Channel)) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return types.NewBindError(address, err)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(a.path, func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(a.path, fiberws.New(func(conn *fiberws.Conn) {
		ch := newWebChannel(conn, conn.RemoteAddr().String())
		if !a.track(ch) {
			ch.shutdown(nil)
			return
		}
		defer a.untrack(ch)

		accept(ch)
		// fiber closes the connection when this handler returns
		ch.readPump()
		<-ch.Done()
	}))

	a.mu.Lock()
	a.app = app
	a.ln = ln
	a.mu.Unlock()

	go func() {
		if err := app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("ws: listener stopped", zap.String("address", address), zap.Error(err))
		}
	}()
	return nil
}

func (a *WebAcceptor) track(ch *WebChannel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.close {
		return false
	}
	a.live[ch] = struct{}{}
	return true
}

func (a *WebAcceptor) untrack(ch *WebChannel) {
	a.mu.Lock()
	delete(a.live, ch)
	a.mu.Unlock()
}

// Addr implements Acceptor.
func (a *WebAcceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Close implements Acceptor. Live channels are closed as well, since fiber
// owns their connections.
func (a *WebAcceptor) Close() error {
	a.mu.Lock()
	if a.close || a.app == nil {
		a.mu.Unlock()
		return nil
	}
	a.close = true
	app := a.app
	live := make([]*WebChannel, 0, len(a.live))
	for ch := range a.live {
		live = append(live, ch)
	}
	a.mu.Unlock()

	for _, ch := range live {
		_ = ch.Close()
	}
	return app.ShutdownWithTimeout(2 * time.Second)
}
