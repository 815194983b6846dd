// Package channel implements the bidirectional Invoke pipe that connects two
// peers over one transport connection. A channel knows nothing about routing:
// it decodes frames into Invoke messages and hands them, in wire order, to its
// single listener.
package channel

import (
	"context"

	"yqhp/sysarray/pkg/types"
)

// State is the lifecycle state of a channel.
type State int32

const (
	// StateUnopened is the state of a channel that was never opened.
	StateUnopened State = iota
	// StateConnecting is the state while dialing or handshaking.
	StateConnecting
	// StateOpen is the only state in which Send is permitted.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives the inbound side of a channel.
type Handler interface {
	// HandleInvoke is called once per inbound message, in wire order.
	HandleInvoke(inv *types.Invoke)

	// HandleClose is called exactly once, after the last queued message.
	// err is nil for a local Close.
	HandleClose(err error)
}

// HandlerFuncs adapts two functions to a Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnInvoke func(inv *types.Invoke)
	OnClose  func(err error)
}

// HandleInvoke implements Handler.
func (h HandlerFuncs) HandleInvoke(inv *types.Invoke) {
	if h.OnInvoke != nil {
		h.OnInvoke(inv)
	}
}

// HandleClose implements Handler.
func (h HandlerFuncs) HandleClose(err error) {
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Channel is one bidirectional, typed message pipe.
type Channel interface {
	// State returns the current lifecycle state.
	State() State

	// Send writes one message. It fails with a CHANNEL_NOT_OPEN error
	// outside the Open state.
	Send(inv *types.Invoke) error

	// Listen attaches the single handler, silently replacing a previous one.
	// Delivery starts on the first call.
	Listen(h Handler)

	// Close is idempotent and always succeeds.
	Close() error

	// Done is closed once the channel reaches StateClosed.
	Done() <-chan struct{}

	// RemoteAddr identifies the other end of the connection.
	RemoteAddr() string
}

// Dialer opens outbound channels.
type Dialer interface {
	Dial(ctx context.Context, address string) (Channel, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, address string) (Channel, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, address string) (Channel, error) {
	return f(ctx, address)
}

// Acceptor accepts inbound channels.
type Acceptor interface {
	// Listen binds address and serves in the background. A bind failure is
	// returned synchronously as a BIND_ERROR. accept is called from the
	// accept loop, once per connection, before any message is delivered.
	Listen(address string, accept func(Channel)) error

	// Addr returns the bound address.
	Addr() string

	// Close stops accepting.
	Close() error
}
