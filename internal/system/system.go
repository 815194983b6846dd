// Package system models one remote peer: its descriptor, the channel that
// reaches it, the roles it implements and its relative performance.
package system

import (
	"context"
	"math"
	"sync"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/google/uuid"

	"yqhp/sysarray/internal/channel"
	"yqhp/sysarray/pkg/types"
)

// Transport names accepted in descriptors.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
	TransportPipe      = "pipe"
)

// Descriptor declares a peer.
type Descriptor struct {
	Name      string   `yaml:"name" json:"name"`
	Transport string   `yaml:"transport" json:"transport"`
	Address   string   `yaml:"address" json:"address"`
	Roles     []string `yaml:"roles" json:"roles"`
}

// Capability tells which side opened the connection. It is fixed at construction.
type Capability int

const (
	// Acceptable systems were built from an inbound connection.
	Acceptable Capability = iota
	// Dialable systems connect out to their descriptor address.
	Dialable
)

func (c Capability) String() string {
	if c == Dialable {
		return "dialable"
	}
	return "acceptable"
}

// Listener receives the inbound side of a System.
type Listener interface {
	HandleInvoke(s *System, inv *types.Invoke)
	HandleClose(s *System, err error)
}

// System is one network peer.
type System struct {
	id         string
	desc       Descriptor
	capability Capability
	dialer     channel.Dialer

	mu       sync.RWMutex
	named    bool
	ch       channel.Channel
	roles    []string
	perf     float64
	listener Listener
}

func newSystem(d *Descriptor, c Capability) *System {
	s := &System{
		id:         uuid.NewString(),
		capability: c,
		perf:       1.0,
	}
	if d != nil {
		s.named = d.Name != ""
		s.desc = *d
		s.desc.Roles = append([]string(nil), d.Roles...)
		s.roles = slice.Unique(append([]string(nil), d.Roles...))
	}
	return s
}

// NewAccepted wraps a channel the local node accepted.
func NewAccepted(ch channel.Channel, d *Descriptor) *System {
	s := newSystem(d, Acceptable)
	if s.desc.Address == "" {
		s.desc.Address = ch.RemoteAddr()
	}
	if s.desc.Name == "" {
		s.desc.Name = s.desc.Address
	}
	s.attach(ch)
	return s
}

// NewDialable creates a system that connects out with dialer.
func NewDialable(d *Descriptor, dialer channel.Dialer) *System {
	s := newSystem(d, Dialable)
	if s.desc.Name == "" {
		s.desc.Name = s.desc.Address
	}
	s.dialer = dialer
	return s
}

// ID returns the unique identifier assigned at construction.
func (s *System) ID() string { return s.id }

// Name returns the descriptor name.
func (s *System) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.desc.Name
}

// AdoptName replaces a name that defaulted to the address with the node name
// the peer announced. Configured names are kept. It reports whether the name
// changed.
func (s *System) AdoptName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.named || name == "" || name == s.desc.Name {
		return false
	}
	s.desc.Name = name
	s.named = true
	return true
}

// Descriptor returns a copy of the descriptor.
func (s *System) Descriptor() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.desc
	d.Roles = append([]string(nil), s.desc.Roles...)
	return d
}

// Capability returns how the system was created.
func (s *System) Capability() Capability { return s.capability }

// Connect dials the descriptor address. It fails with NOT_DIALABLE for
// accepted systems.
func (s *System) Connect(ctx context.Context) error {
	if s.capability != Dialable || s.dialer == nil {
		return types.NewNotDialableError(s.Name())
	}

	ch, err := s.dialer.Dial(ctx, s.desc.Address)
	if err != nil {
		return err
	}
	s.attach(ch)
	return nil
}

func (s *System) attach(ch channel.Channel) {
	s.mu.Lock()
	s.ch = ch
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		ch.Listen(s.handler(l))
	}
}

func (s *System) handler(l Listener) channel.Handler {
	return channel.HandlerFuncs{
		OnInvoke: func(inv *types.Invoke) { l.HandleInvoke(s, inv) },
		OnClose:  func(err error) { l.HandleClose(s, err) },
	}
}

// Listen registers the single listener, replacing a previous one.
func (s *System) Listen(l Listener) {
	s.mu.Lock()
	s.listener = l
	ch := s.ch
	s.mu.Unlock()

	if ch != nil && l != nil {
		ch.Listen(s.handler(l))
	}
}

// Channel returns the current channel, or nil before Connect.
func (s *System) Channel() channel.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ch
}

// Connected reports whether the channel is open.
func (s *System) Connected() bool {
	ch := s.Channel()
	return ch != nil && ch.State() == channel.StateOpen
}

// Send writes inv to the peer.
func (s *System) Send(inv *types.Invoke) error {
	ch := s.Channel()
	if ch == nil {
		return types.NewChannelNotOpenError(s.Name(), channel.StateUnopened)
	}
	return ch.Send(inv)
}

// Close closes the channel, if any.
func (s *System) Close() error {
	ch := s.Channel()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

// Roles returns the role names the system implements.
func (s *System) Roles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roles...)
}

// HasRole reports whether the system implements role.
func (s *System) HasRole(role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slice.Contain(s.roles, role)
}

// AddRoles merges announced role names, returning the ones that were new.
func (s *System) AddRoles(roles ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := slice.Difference(slice.Unique(roles), s.roles)
	s.roles = append(s.roles, added...)
	return added
}

// PerformanceIndex returns the relative speed of the peer.
func (s *System) PerformanceIndex() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perf
}

// SetPerformanceIndex stores v; negative or NaN values become 0.
func (s *System) SetPerformanceIndex(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	s.mu.Lock()
	s.perf = v
	s.mu.Unlock()
}

// Degrade halves the performance index.
func (s *System) Degrade() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf /= 2
	return s.perf
}
