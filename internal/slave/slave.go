// Package slave is the worker side of a master link: it announces the roles
// it implements, runs a handler per inbound listener name, and reports the
// results of correlated requests back to the master.
package slave

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"yqhp/sysarray/internal/channel"
	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

// Handler serves one listener. The returned parameters become the
// completion report when the invoke carried an invocation id.
type Handler func(ctx context.Context, inv *types.Invoke) ([]types.Parameter, error)

// RawHandler receives invokes no Handler is registered for. It never reports.
type RawHandler func(ctx context.Context, inv *types.Invoke)

// Slave serves a single master connection at a time.
type Slave struct {
	roles []string
	node  string

	mu         sync.RWMutex
	handlers   map[string]Handler
	fallback   RawHandler
	master     channel.Channel
	acceptor   channel.Acceptor
	disconnect func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a slave implementing roles.
func New(roles ...string) *Slave {
	ctx, cancel := context.WithCancel(context.Background())
	return &Slave{
		roles:    append([]string(nil), roles...),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetNode sets the node name sent with the role announcement. Masters key
// stored performance indices by it.
func (s *Slave) SetNode(name string) {
	s.mu.Lock()
	s.node = name
	s.mu.Unlock()
}

// Roles returns the announced roles.
func (s *Slave) Roles() []string { return append([]string(nil), s.roles...) }

// Handle registers h for listener, replacing a previous one.
func (s *Slave) Handle(listener string, h Handler) {
	s.mu.Lock()
	s.handlers[listener] = h
	s.mu.Unlock()
}

// SetDefault registers the handler for unmatched listener names.
func (s *Slave) SetDefault(h RawHandler) {
	s.mu.Lock()
	s.fallback = h
	s.mu.Unlock()
}

// OnDisconnect sets the hook called when the master link closes.
func (s *Slave) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	s.disconnect = fn
	s.mu.Unlock()
}

// Connect dials the master and announces the roles.
func (s *Slave) Connect(ctx context.Context, dialer channel.Dialer, address string) error {
	ch, err := dialer.Dial(ctx, address)
	if err != nil {
		return err
	}
	return s.Attach(ch)
}

// Serve accepts master connections on address. A newer master connection
// replaces the current one.
func (s *Slave) Serve(acc channel.Acceptor, address string) error {
	if err := acc.Listen(address, func(ch channel.Channel) {
		if err := s.Attach(ch); err != nil {
			logger.Warn("slave: master rejected", zap.String("remote", ch.RemoteAddr()), zap.Error(err))
		}
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.acceptor = acc
	s.mu.Unlock()
	logger.Info("slave: waiting for master", zap.String("address", acc.Addr()))
	return nil
}

// Attach makes ch the master link and announces the roles on it. When the
// announcement fails ch is closed and no master link remains.
func (s *Slave) Attach(ch channel.Channel) error {
	s.mu.Lock()
	old := s.master
	s.master = ch
	s.mu.Unlock()

	if old != nil && old != ch {
		_ = old.Close()
	}

	ch.Listen(channel.HandlerFuncs{
		OnInvoke: s.dispatch,
		OnClose:  func(err error) { s.closed(ch, err) },
	})

	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()

	params := make([]types.Parameter, 0, len(s.roles)+1)
	for _, r := range s.roles {
		params = append(params, types.StringParam(r))
	}
	if node != "" {
		params = append(params, types.StringParam(node).WithName(types.ParamNode))
	}
	if err := ch.Send(types.NewInvoke(types.ListenerRegisterRoles, params...)); err != nil {
		s.mu.Lock()
		if s.master == ch {
			s.master = nil
		}
		s.mu.Unlock()
		_ = ch.Close()
		return err
	}

	logger.Info("slave: master attached", zap.String("remote", ch.RemoteAddr()), zap.Strings("roles", s.roles))
	return nil
}

func (s *Slave) closed(ch channel.Channel, err error) {
	s.mu.Lock()
	if s.master != ch {
		s.mu.Unlock()
		return
	}
	s.master = nil
	fn := s.disconnect
	s.mu.Unlock()

	logger.Info("slave: master detached", zap.Error(err))
	if fn != nil {
		fn(err)
	}
}

// Connected reports whether a master link is open.
func (s *Slave) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master != nil && s.master.State() == channel.StateOpen
}

// Send writes inv to the master.
func (s *Slave) Send(inv *types.Invoke) error {
	s.mu.RLock()
	ch := s.master
	s.mu.RUnlock()
	if ch == nil {
		return types.NewChannelNotOpenError("master", channel.StateUnopened)
	}
	return ch.Send(inv)
}

// Report sends the completion report of invocation id.
func (s *Slave) Report(id uint64, params ...types.Parameter) error {
	return s.Send(types.NewReport(id, params...))
}

// ReportError sends a failed completion report of invocation id.
func (s *Slave) ReportError(id uint64, err error) error {
	return s.Send(types.NewReport(id, types.StringParam(err.Error()).WithName(types.ParamError)))
}

func (s *Slave) dispatch(inv *types.Invoke) {
	s.mu.RLock()
	h, ok := s.handlers[inv.Listener]
	fallback := s.fallback
	s.mu.RUnlock()

	if !ok {
		if fallback != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				fallback(s.ctx, inv)
			}()
			return
		}
		logger.Debug("slave: no handler", zap.String("listener", inv.Listener))
		if id, hasID := inv.ID(); hasID {
			_ = s.ReportError(id, errors.New("no handler for "+inv.Listener))
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(h, inv)
	}()
}

func (s *Slave) run(h Handler, inv *types.Invoke) {
	params, err := h(s.ctx, inv)

	id, ok := inv.ID()
	if !ok {
		if err != nil {
			logger.Warn("slave: handler failed", zap.String("listener", inv.Listener), zap.Error(err))
		}
		return
	}

	if err != nil {
		err = s.ReportError(id, err)
	} else {
		err = s.Report(id, params...)
	}
	if err != nil {
		logger.Warn("slave: report failed", zap.Uint64("id", id), zap.Error(err))
	}
}

// Close stops handlers, the acceptor and the master link.
func (s *Slave) Close() error {
	s.cancel()

	s.mu.Lock()
	ch, acc := s.master, s.acceptor
	s.master, s.acceptor = nil, nil
	s.mu.Unlock()

	var errs []error
	if acc != nil {
		errs = append(errs, acc.Close())
	}
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
