package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/sysarray/pkg/types"
)

type recorder struct {
	invokes chan *types.Invoke
	closes  atomic.Int32
	closed  chan error
}

func newRecorder() *recorder {
	return &recorder{
		invokes: make(chan *types.Invoke, 1024),
		closed:  make(chan error, 4),
	}
}

func (r *recorder) HandleInvoke(inv *types.Invoke) { r.invokes <- inv }

func (r *recorder) HandleClose(err error) {
	r.closes.Add(1)
	r.closed <- err
}

func (r *recorder) next(t *testing.T) *types.Invoke {
	t.Helper()
	select {
	case inv := <-r.invokes:
		return inv
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invoke")
		return nil
	}
}

func (r *recorder) waitClose(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

func TestPipe_FIFO(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	rec := newRecorder()
	b.Listen(rec)

	for i := 0; i < 200; i++ {
		require.NoError(t, a.Send(types.NewInvoke("count", types.IntParam(int64(i)))))
	}

	for i := 0; i < 200; i++ {
		inv := rec.next(t)
		n, err := inv.IntAt(0)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}
}

func TestPipe_ListenBeforeAndAfterTraffic(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	// messages sent before a listener is attached are queued
	require.NoError(t, a.Send(types.NewInvoke("early")))

	rec := newRecorder()
	b.Listen(rec)
	assert.Equal(t, "early", rec.next(t).Listener)
}

func TestPipe_ListenReplacesHandler(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	first := newRecorder()
	b.Listen(first)
	require.NoError(t, a.Send(types.NewInvoke("one")))
	assert.Equal(t, "one", first.next(t).Listener)

	second := newRecorder()
	b.Listen(second)
	require.NoError(t, a.Send(types.NewInvoke("two")))
	assert.Equal(t, "two", second.next(t).Listener)

	select {
	case inv := <-first.invokes:
		t.Fatalf("replaced handler received %s", inv)
	default:
	}
}

func TestPipe_CloseOnce(t *testing.T) {
	a, b := Pipe()
	recA, recB := newRecorder(), newRecorder()
	a.Listen(recA)
	b.Listen(recB)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	assert.NoError(t, recA.waitClose(t))
	assert.NoError(t, recB.waitClose(t))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), recA.closes.Load())
	assert.Equal(t, int32(1), recB.closes.Load())

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())

	err := a.Send(types.NewInvoke("late"))
	assert.ErrorIs(t, err, types.ErrChannelNotOpen)
}

func TestPipe_CloseReturns(t *testing.T) {
	for i := 0; i < 50; i++ {
		a, b := Pipe()
		recB := newRecorder()
		b.Listen(recB)

		done := make(chan struct{}, 2)
		go func() { _ = a.Close(); done <- struct{}{} }()
		go func() { _ = b.Close(); done <- struct{}{} }()
		for j := 0; j < 2; j++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("close blocked (a=%s b=%s)", a.State(), b.State())
			}
		}
		assert.NoError(t, recB.waitClose(t))
	}
}

func TestPipe_DeliversQueuedBeforeClose(t *testing.T) {
	a, b := Pipe()

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(types.NewInvoke("queued")))
	}
	require.NoError(t, a.Close())

	rec := newRecorder()
	b.Listen(rec)

	for i := 0; i < 10; i++ {
		rec.next(t)
	}
	assert.NoError(t, rec.waitClose(t))
}

func TestTCPChannel_SendUnopened(t *testing.T) {
	c := NewTCPChannel()
	assert.Equal(t, StateUnopened, c.State())

	err := c.Send(types.NewInvoke("x"))
	assert.ErrorIs(t, err, types.ErrChannelNotOpen)
	assert.Equal(t, types.ErrCodeChannelNotOpen, types.CodeOf(err))
}

func TestTCP_RoundTrip(t *testing.T) {
	acc := NewTCPAcceptor()
	server := newRecorder()

	accepted := make(chan Channel, 1)
	require.NoError(t, acc.Listen("127.0.0.1:0", func(ch Channel) {
		ch.Listen(HandlerFuncs{
			OnInvoke: func(inv *types.Invoke) {
				server.HandleInvoke(inv)
				_ = ch.Send(types.NewInvoke("echo", inv.Parameters...))
			},
		})
		accepted <- ch
	}))
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := TCPDialer{Timeout: time.Second}.Dial(ctx, acc.Addr())
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, StateOpen, client.State())

	rec := newRecorder()
	client.Listen(rec)

	payload := []byte{0, 1, 2, 255}
	require.NoError(t, client.Send(types.NewInvoke("hello",
		types.StringParam("world"),
		types.IntParam(1<<53+1),
		types.BytesParam(payload),
	)))

	got := server.next(t)
	assert.Equal(t, "hello", got.Listener)

	echo := rec.next(t)
	assert.Equal(t, "echo", echo.Listener)
	n, err := echo.IntAt(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<53+1), n)
	b, err := echo.BytesAt(2)
	require.NoError(t, err)
	assert.Equal(t, payload, b)

	// remote close reaches the client handler
	srv := <-accepted
	require.NoError(t, srv.Close())
	_ = rec.waitClose(t)
	assert.Equal(t, StateClosed, client.State())
}

func TestTCPAcceptor_BindError(t *testing.T) {
	first := NewTCPAcceptor()
	require.NoError(t, first.Listen("127.0.0.1:0", func(Channel) {}))
	defer first.Close()

	second := NewTCPAcceptor()
	err := second.Listen(first.Addr(), func(Channel) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBind)
}

func TestTCPDialer_ConnectionError(t *testing.T) {
	acc := NewTCPAcceptor()
	require.NoError(t, acc.Listen("127.0.0.1:0", func(Channel) {}))
	addr := acc.Addr()
	require.NoError(t, acc.Close())

	_, err := TCPDialer{Timeout: time.Second}.Dial(context.Background(), addr)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnection)

	var perr *types.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, addr, perr.Target)
}

func TestWeb_RoundTrip(t *testing.T) {
	acc := NewWebAcceptor("")
	require.NoError(t, acc.Listen("127.0.0.1:0", func(ch Channel) {
		ch.Listen(HandlerFuncs{
			OnInvoke: func(inv *types.Invoke) {
				_ = ch.Send(types.NewInvoke("echo", inv.Parameters...))
			},
		})
	}))
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var client Channel
	var err error
	require.Eventually(t, func() bool {
		client, err = WebDialer{HandshakeTimeout: time.Second}.Dial(ctx, acc.Addr())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer client.Close()

	rec := newRecorder()
	client.Listen(rec)

	for i := 0; i < 20; i++ {
		require.NoError(t, client.Send(types.NewInvoke("ping", types.IntParam(int64(i)))))
	}
	for i := 0; i < 20; i++ {
		inv := rec.next(t)
		assert.Equal(t, "echo", inv.Listener)
		n, err := inv.IntAt(0)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}
}

// gatedConn blocks every write until gate is closed.
type gatedConn struct {
	gate   chan struct{}
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (c *gatedConn) ReadMessage() (int, []byte, error) { select {} }

func (c *gatedConn) WriteMessage(_ int, data []byte) error {
	<-c.gate
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *gatedConn) SetWriteDeadline(time.Time) error { return nil }

func (c *gatedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *gatedConn) written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func TestWebChannel_CloseFlushesQueue(t *testing.T) {
	conn := &gatedConn{gate: make(chan struct{})}
	ch := newWebChannel(conn, "gated")

	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Send(types.NewReport(uint64(i), types.IntParam(int64(i)))))
	}

	closed := make(chan struct{})
	go func() { _ = ch.Close(); close(closed) }()
	close(conn.gate)

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("close did not return")
	}
	assert.Equal(t, 5, conn.written())
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
}

func TestWebChannel_SendBufferFull(t *testing.T) {
	conn := &gatedConn{gate: make(chan struct{})}
	ch := newWebChannel(conn, "gated")
	defer func() {
		close(conn.gate)
		_ = ch.Close()
	}()

	// the pump holds the first frame while the queue fills
	require.NoError(t, ch.Send(types.NewInvoke("first")))
	require.Eventually(t, func() bool { return len(ch.send) == 0 }, time.Second, time.Millisecond)
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, ch.Send(types.NewInvoke("fill")))
	}

	err := ch.Send(types.NewInvoke("overflow"))
	assert.ErrorIs(t, err, types.ErrSendBufferFull)
	assert.Equal(t, types.ErrCodeSendBufferFull, types.CodeOf(err))
}

func TestWebAcceptor_BindError(t *testing.T) {
	first := NewTCPAcceptor()
	require.NoError(t, first.Listen("127.0.0.1:0", func(Channel) {}))
	defer first.Close()

	err := NewWebAcceptor("/ws").Listen(first.Addr(), func(Channel) {})
	assert.ErrorIs(t, err, types.ErrBind)
}

func TestToWebSocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:8080", "ws://127.0.0.1:8080"},
		{"http://host:1", "ws://host:1"},
		{"https://host", "wss://host"},
		{"ws://host/x", "ws://host/x"},
		{"wss://host", "wss://host"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toWebSocketURL(tt.in))
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unopened", StateUnopened.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
