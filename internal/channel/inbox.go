package channel

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"yqhp/sysarray/pkg/types"
)

type nopHandler struct{}

func (nopHandler) HandleInvoke(*types.Invoke) {}
func (nopHandler) HandleClose(error)          {}

// inbox is the transport independent half of every channel: lifecycle state,
// the single listener, and the FIFO queue between the read loop and the
// delivery goroutine. The read loop only appends; it never waits on the handler.
type inbox struct {
	state  atomic.Int32
	remote string

	mu       sync.Mutex
	handler  Handler
	queue    []*types.Invoke
	closed   bool
	closeErr error
	started  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// teardown releases the transport; called once, after the state is closed.
	teardown func()
}

func newInbox(remote string, state State) *inbox {
	b := &inbox{
		remote: remote,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.state.Store(int32(state))
	return b
}

// State implements Channel.
func (b *inbox) State() State {
	return State(b.state.Load())
}

// RemoteAddr implements Channel.
func (b *inbox) RemoteAddr() string {
	return b.remote
}

// Done implements Channel.
func (b *inbox) Done() <-chan struct{} {
	return b.done
}

// Listen implements Channel.
func (b *inbox) Listen(h Handler) {
	if h == nil {
		h = nopHandler{}
	}

	b.mu.Lock()
	b.handler = h
	start := !b.started
	b.started = true
	b.mu.Unlock()

	if start {
		go b.deliver()
	}
}

func (b *inbox) push(inv *types.Invoke) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, inv)
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) deliver() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.mu.Unlock()
			<-b.wake
			b.mu.Lock()
		}

		if len(b.queue) == 0 {
			h, err := b.handler, b.closeErr
			b.mu.Unlock()
			h.HandleClose(err)
			return
		}

		inv := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		h := b.handler
		b.mu.Unlock()

		h.HandleInvoke(inv)
	}
}

// shutdown is the single path to StateClosed. The teardown runs outside
// closeOnce so a transport may close its peer, which closes it back.
func (b *inbox) shutdown(err error) {
	first := false
	b.closeOnce.Do(func() {
		first = true
		b.state.Store(int32(StateClosed))

		b.mu.Lock()
		b.closed = true
		b.closeErr = normalizeCloseErr(err)
		b.mu.Unlock()

		close(b.done)
	})
	if !first {
		return
	}
	if b.teardown != nil {
		b.teardown()
	}
	b.signal()
}

// Close implements Channel.
func (b *inbox) Close() error {
	b.shutdown(nil)
	return nil
}

func (b *inbox) notOpen() error {
	return types.NewChannelNotOpenError(b.remote, b.State())
}

func normalizeCloseErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
