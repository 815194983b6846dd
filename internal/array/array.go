// Package array manages a dynamic set of Systems as one unit that can accept
// inbound peers, dial outbound peers, or both, and route Invoke messages to
// every peer, to the peers implementing a role, or to a single peer with a
// correlated reply.
package array

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/sysarray/internal/channel"
	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

// ChildFactory creates the System for a descriptor. ch is the accepted
// channel, or nil for a configured peer that is going to be dialed.
// Returning nil means no child is created; an accepted channel is closed.
type ChildFactory func(d *system.Descriptor, ch channel.Channel) *system.System

// Option configures an Array.
type Option func(*Array)

// WithFactory replaces the default child factory.
func WithFactory(f ChildFactory) Option {
	return func(a *Array) { a.factory = f }
}

// WithDialer registers the dialer used for a descriptor transport.
func WithDialer(transport string, d channel.Dialer) Option {
	return func(a *Array) { a.dialers[transport] = d }
}

// WithPeers sets the peers dialed by Connect.
func WithPeers(peers ...system.Descriptor) Option {
	return func(a *Array) { a.peers = append(a.peers, peers...) }
}

// WithObserver adds a synchronous topology observer.
func WithObserver(o Observer) Option {
	return func(a *Array) { a.observers = append(a.observers, o) }
}

// Array is a managed set of Systems.
type Array struct {
	factory   ChildFactory
	dialers   map[string]channel.Dialer
	peers     []system.Descriptor
	observers []Observer

	mu        sync.RWMutex
	systems   []*system.System
	byID      map[string]*system.System
	roles     map[string][]string
	known     map[string]struct{}
	acceptors []channel.Acceptor
	closed    bool

	callMu sync.Mutex
	calls  map[uint64]*Call
	nextID atomic.Uint64

	subMu       sync.RWMutex
	subscribers []chan Event

	hookMu       sync.RWMutex
	onInvoke     func(*system.System, *types.Invoke)
	onJoin       func(*system.System)
	onIdentify   func(*system.System)
	onDisconnect func(*system.System, error)
}

// New creates an empty array.
func New(opts ...Option) *Array {
	a := &Array{
		dialers: map[string]channel.Dialer{
			"":                        channel.TCPDialer{Timeout: 5 * time.Second},
			system.TransportTCP:       channel.TCPDialer{Timeout: 5 * time.Second},
			system.TransportWebSocket: channel.WebDialer{HandshakeTimeout: 5 * time.Second},
		},
		byID:  make(map[string]*system.System),
		roles: make(map[string][]string),
		known: make(map[string]struct{}),
		calls: make(map[uint64]*Call),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.factory == nil {
		a.factory = a.defaultFactory
	}
	return a
}

func (a *Array) defaultFactory(d *system.Descriptor, ch channel.Channel) *system.System {
	if ch != nil {
		return system.NewAccepted(ch, d)
	}
	dialer, ok := a.dialers[d.Transport]
	if !ok {
		logger.Warn("array: no dialer for transport", zap.String("peer", d.Name), zap.String("transport", d.Transport))
		return nil
	}
	return system.NewDialable(d, dialer)
}

// OnInvoke sets the hook receiving every inbound Invoke that the array does
// not consume itself.
func (a *Array) OnInvoke(fn func(*system.System, *types.Invoke)) {
	a.hookMu.Lock()
	a.onInvoke = fn
	a.hookMu.Unlock()
}

// OnJoin sets the hook called after a system is inserted.
func (a *Array) OnJoin(fn func(*system.System)) {
	a.hookMu.Lock()
	a.onJoin = fn
	a.hookMu.Unlock()
}

// OnIdentify sets the hook called after an accepted system took the node name
// from its role announcement.
func (a *Array) OnIdentify(fn func(*system.System)) {
	a.hookMu.Lock()
	a.onIdentify = fn
	a.hookMu.Unlock()
}

// OnDisconnect sets the hook called after a system was removed.
func (a *Array) OnDisconnect(fn func(*system.System, error)) {
	a.hookMu.Lock()
	a.onDisconnect = fn
	a.hookMu.Unlock()
}

// Open binds address with acc and inserts a child per accepted channel.
func (a *Array) Open(acc channel.Acceptor, address string) error {
	err := acc.Listen(address, func(ch channel.Channel) {
		if _, err := a.Accept(ch, &system.Descriptor{Address: ch.RemoteAddr()}); err != nil {
			logger.Warn("array: accept rejected", zap.String("remote", ch.RemoteAddr()), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.acceptors = append(a.acceptors, acc)
	a.mu.Unlock()

	logger.Info("array: listening", zap.String("address", acc.Addr()))
	return nil
}

// Accept inserts a child for an already open channel. It returns nil when
// the factory declines the descriptor.
func (a *Array) Accept(ch channel.Channel, d *system.Descriptor) (*system.System, error) {
	s := a.factory(d, ch)
	if s == nil {
		_ = ch.Close()
		return nil, nil
	}
	if err := a.Insert(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect dials every configured peer. A failed peer is logged and does not
// stop the others; all failures are returned joined.
func (a *Array) Connect(ctx context.Context) error {
	var errs []error
	for i := range a.peers {
		d := a.peers[i]
		s := a.factory(&d, nil)
		if s == nil {
			continue
		}

		if err := s.Connect(ctx); err != nil {
			logger.Warn("array: dial failed", zap.String("peer", d.Name), zap.String("address", d.Address), zap.Error(err))
			errs = append(errs, fmt.Errorf("peer %s: %w", d.Name, err))
			continue
		}
		if err := a.Insert(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Insert adds s to the array and starts listening to it.
func (a *Array) Insert(s *system.System) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = s.Close()
		return errors.New("array is closed")
	}
	if _, dup := a.byID[s.ID()]; dup {
		a.mu.Unlock()
		return fmt.Errorf("system %s already inserted", s.ID())
	}
	a.systems = append(a.systems, s)
	a.byID[s.ID()] = s
	inserted, erased := a.rebuildRoles()
	a.mu.Unlock()

	s.Listen(listener{a})

	logger.Info("array: system inserted", zap.String("system", s.Name()), zap.Strings("roles", s.Roles()))
	a.emit(Event{Kind: EventSystemInserted, SystemID: s.ID(), SystemName: s.Name()})
	a.emit(roleEvents(inserted, erased)...)

	a.hookMu.RLock()
	onJoin := a.onJoin
	a.hookMu.RUnlock()
	if onJoin != nil {
		onJoin(s)
	}
	return nil
}

// Remove takes s out of the array and closes its channel.
func (a *Array) Remove(s *system.System) {
	a.remove(s, nil)
	_ = s.Close()
}

func (a *Array) remove(s *system.System, cause error) {
	a.mu.Lock()
	if _, ok := a.byID[s.ID()]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.byID, s.ID())
	for i, cur := range a.systems {
		if cur.ID() == s.ID() {
			a.systems = append(a.systems[:i], a.systems[i+1:]...)
			break
		}
	}
	inserted, erased := a.rebuildRoles()
	a.mu.Unlock()

	if cause == nil {
		cause = errors.New("disconnected")
	}
	a.failCalls(s, cause)

	logger.Info("array: system erased", zap.String("system", s.Name()), zap.Error(cause))
	a.emit(Event{Kind: EventSystemErased, SystemID: s.ID(), SystemName: s.Name()})
	a.emit(roleEvents(inserted, erased)...)

	a.hookMu.RLock()
	onDisconnect := a.onDisconnect
	a.hookMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(s, cause)
	}
}

func (a *Array) registerRoles(s *system.System, inv *types.Invoke) {
	if node, ok := inv.Node(); ok {
		a.identify(s, node)
	}

	var names []string
	for _, p := range inv.Args() {
		if name, ok := p.Value.(string); ok && p.Type == types.ParamString && name != "" {
			names = append(names, name)
		}
	}
	if len(s.AddRoles(names...)) == 0 {
		return
	}

	a.mu.Lock()
	if _, ok := a.byID[s.ID()]; !ok {
		a.mu.Unlock()
		return
	}
	inserted, erased := a.rebuildRoles()
	a.mu.Unlock()

	logger.Debug("array: roles registered", zap.String("system", s.Name()), zap.Strings("roles", names))
	a.emit(roleEvents(inserted, erased)...)
}

func (a *Array) identify(s *system.System, node string) {
	prev := s.Name()
	if !s.AdoptName(node) {
		return
	}
	logger.Info("array: system identified", zap.String("system", node), zap.String("address", prev))

	a.hookMu.RLock()
	fn := a.onIdentify
	a.hookMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// Systems returns a snapshot of the systems in insertion order.
func (a *Array) Systems() []*system.System {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*system.System(nil), a.systems...)
}

// System looks a system up by id.
func (a *Array) System(id string) (*system.System, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.byID[id]
	return s, ok
}

// Len returns the number of systems.
func (a *Array) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.systems)
}

// Close stops every acceptor and closes every child.
func (a *Array) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	acceptors := a.acceptors
	systems := append([]*system.System(nil), a.systems...)
	a.mu.Unlock()

	var errs []error
	for _, acc := range acceptors {
		if err := acc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range systems {
		a.remove(s, nil)
		_ = s.Close()
	}
	a.failCalls(nil, errors.New("array closed"))
	return errors.Join(errs...)
}

type listener struct{ a *Array }

func (l listener) HandleInvoke(s *system.System, inv *types.Invoke) {
	switch {
	case inv.Listener == types.ListenerRegisterRoles:
		l.a.registerRoles(s, inv)
	case inv.IsReport():
		l.a.completeCall(s, inv)
	default:
		l.a.hookMu.RLock()
		fn := l.a.onInvoke
		l.a.hookMu.RUnlock()
		if fn != nil {
			fn(s, inv)
		}
	}
}

func (l listener) HandleClose(s *system.System, err error) {
	l.a.remove(s, err)
}
