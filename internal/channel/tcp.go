package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

// MaxFrameSize bounds a single TCP frame.
const MaxFrameSize = 16 << 20

// TCPChannel frames Invoke messages over a raw TCP stream as a 4-byte
// big-endian length followed by the JSON payload.
type TCPChannel struct {
	*inbox

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

// NewTCPChannel creates an unopened TCP channel.
func NewTCPChannel() *TCPChannel {
	c := &TCPChannel{inbox: newInbox("", StateUnopened)}
	c.teardown = c.closeConn
	return c
}

func newAcceptedTCPChannel(conn net.Conn) *TCPChannel {
	c := &TCPChannel{inbox: newInbox(conn.RemoteAddr().String(), StateOpen), conn: conn}
	c.teardown = c.closeConn
	go c.readLoop(conn)
	return c
}

// Open dials address. On failure the channel is left closed.
func (c *TCPChannel) Open(ctx context.Context, address string) error {
	if !c.state.CompareAndSwap(int32(StateUnopened), int32(StateConnecting)) {
		return fmt.Errorf("tcp channel already %s", c.State())
	}
	c.remote = address

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		c.shutdown(err)
		return types.NewConnectionError(address, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// closed while dialing
		_ = conn.Close()
		return types.NewConnectionError(address, net.ErrClosed)
	}

	go c.readLoop(conn)
	return nil
}

// Send implements Channel.
func (c *TCPChannel) Send(inv *types.Invoke) error {
	if c.State() != StateOpen {
		return c.notOpen()
	}

	payload, err := types.Encode(inv)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(payload), MaxFrameSize)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	c.writeMu.Lock()
	_, err = conn.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		c.shutdown(err)
		return types.NewConnectionError(c.remote, err)
	}
	return nil
}

func (c *TCPChannel) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	var header [4]byte

	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			c.shutdown(err)
			return
		}

		size := binary.BigEndian.Uint32(header[:])
		if size > MaxFrameSize {
			c.shutdown(fmt.Errorf("frame of %d bytes exceeds %d", size, MaxFrameSize))
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			c.shutdown(err)
			return
		}

		inv, err := types.Decode(payload)
		if err != nil {
			logger.Warn("tcp: invalid frame", zap.String("remote", c.remote), zap.Error(err))
			continue
		}
		c.push(inv)
	}
}

func (c *TCPChannel) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// TCPDialer dials TCP channels.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, address string) (Channel, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	c := NewTCPChannel()
	if err := c.Open(ctx, address); err != nil {
		return nil, err
	}
	return c, nil
}

// TCPAcceptor accepts TCP channels.
type TCPAcceptor struct {
	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewTCPAcceptor creates a TCP acceptor.
func NewTCPAcceptor() *TCPAcceptor {
	return &TCPAcceptor{}
}

// Listen implements Acceptor.
func (a *TCPAcceptor) Listen(address string, accept func(Channel)) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return types.NewBindError(address, err)
	}

	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	go a.serve(ln, accept)
	return nil
}

func (a *TCPAcceptor) serve(ln net.Listener, accept func(Channel)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("tcp: accept failed", zap.String("address", ln.Addr().String()), zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		accept(newAcceptedTCPChannel(conn))
	}
}

// Addr implements Acceptor.
func (a *TCPAcceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Close implements Acceptor.
func (a *TCPAcceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.ln == nil {
		return nil
	}
	a.closed = true
	return a.ln.Close()
}
