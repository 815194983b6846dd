// Package mediator lets one node act as a slave to its master and as a
// master to its own sub-array at the same time. Every request from above is
// tracked by invocation id until its reduced result has been reported back.
package mediator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/sysarray/internal/channel"
	"yqhp/sysarray/internal/parallel"
	"yqhp/sysarray/internal/slave"
	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

// localIDBit marks ids generated here for requests that arrived without one,
// keeping them apart from master-assigned ids.
const localIDBit = uint64(1) << 62

// Reducer folds the replies of the sub-array into the upward result.
// Replies are in segment order for segmented requests and in system order
// otherwise.
type Reducer func(inv *types.Invoke, replies []*types.Invoke) ([]types.Parameter, error)

// ConcatReducer joins the arguments of every reply.
func ConcatReducer(_ *types.Invoke, replies []*types.Invoke) ([]types.Parameter, error) {
	var out []types.Parameter
	for _, r := range replies {
		out = append(out, r.Args()...)
	}
	return out, nil
}

// SumIntReducer adds the first integer argument of every reply.
func SumIntReducer(_ *types.Invoke, replies []*types.Invoke) ([]types.Parameter, error) {
	var sum int64
	for _, r := range replies {
		n, err := firstInt(r)
		if err != nil {
			return nil, err
		}
		sum += n
	}
	return []types.Parameter{types.IntParam(sum)}, nil
}

func firstInt(r *types.Invoke) (int64, error) {
	args := r.Args()
	if len(args) == 0 {
		return 0, errors.New("reply has no int result")
	}
	return args[0].Int()
}

// Config tunes a Mediator.
type Config struct {
	// Roles are announced to the master.
	Roles []string `yaml:"roles" json:"roles"`
	// Role selects the sub-array systems work is forwarded to; empty means all.
	Role string `yaml:"role" json:"role"`
	// Timeout bounds a forwarded non-segmented request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// PendingInvocation is a request from above that has not been reported yet.
type PendingInvocation struct {
	ID        uint64        `json:"id"`
	Invoke    *types.Invoke `json:"-"`
	Listener  string        `json:"listener"`
	CreatedAt time.Time     `json:"created_at"`
	Local     bool          `json:"local"`
}

// Mediator bridges a master link and a parallel sub-array.
type Mediator struct {
	cfg  Config
	up   *slave.Slave
	down *parallel.Array

	reduceMu sync.RWMutex
	reducers map[string]Reducer
	fallback Reducer

	mu      sync.Mutex
	pending map[uint64]*PendingInvocation
	localID atomic.Uint64
}

// New creates a mediator forwarding to down.
func New(cfg Config, down *parallel.Array) *Mediator {
	m := &Mediator{
		cfg:      cfg,
		up:       slave.New(cfg.Roles...),
		down:     down,
		reducers: make(map[string]Reducer),
		fallback: ConcatReducer,
		pending:  make(map[uint64]*PendingInvocation),
	}
	m.up.SetDefault(m.handle)
	return m
}

// Upstream returns the master-facing side.
func (m *Mediator) Upstream() *slave.Slave { return m.up }

// Downstream returns the owned sub-array.
func (m *Mediator) Downstream() *parallel.Array { return m.down }

// SetReducer registers r for listener.
func (m *Mediator) SetReducer(listener string, r Reducer) {
	m.reduceMu.Lock()
	m.reducers[listener] = r
	m.reduceMu.Unlock()
}

// SetDefaultReducer replaces ConcatReducer for unregistered listeners.
func (m *Mediator) SetDefaultReducer(r Reducer) {
	m.reduceMu.Lock()
	m.fallback = r
	m.reduceMu.Unlock()
}

func (m *Mediator) reducer(listener string) Reducer {
	m.reduceMu.RLock()
	defer m.reduceMu.RUnlock()
	if r, ok := m.reducers[listener]; ok {
		return r
	}
	return m.fallback
}

// Connect dials the master (client mode).
func (m *Mediator) Connect(ctx context.Context, dialer channel.Dialer, address string) error {
	return m.up.Connect(ctx, dialer, address)
}

// Serve waits for the master to connect (server mode).
func (m *Mediator) Serve(acc channel.Acceptor, address string) error {
	return m.up.Serve(acc, address)
}

// Pending returns the number of unreported requests.
func (m *Mediator) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingInvocations returns a snapshot of the unreported requests.
func (m *Mediator) PendingInvocations() []PendingInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingInvocation, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, *p)
	}
	return out
}

func (m *Mediator) handle(ctx context.Context, inv *types.Invoke) {
	id, ok := inv.ID()
	local := !ok
	if local {
		id = localIDBit | m.localID.Add(1)
	}

	m.mu.Lock()
	if _, dup := m.pending[id]; dup {
		m.mu.Unlock()
		logger.Debug("mediator: duplicate request dropped", zap.Uint64("id", id))
		return
	}
	m.pending[id] = &PendingInvocation{
		ID:        id,
		Invoke:    inv,
		Listener:  inv.Listener,
		CreatedAt: time.Now(),
		Local:     local,
	}
	m.mu.Unlock()

	params, err := m.forward(ctx, inv)
	m.complete(id, params, err)
}

func (m *Mediator) forward(ctx context.Context, inv *types.Invoke) ([]types.Parameter, error) {
	reduce := m.reducer(inv.Listener)

	if start, end, ok := inv.Segment(); ok {
		res, err := m.down.Run(ctx, parallel.Job{
			Role:     m.cfg.Role,
			Listener: inv.Listener,
			Params:   inv.Args(),
			First:    start,
			Last:     end,
		})
		if err != nil {
			return nil, err
		}
		if perr := res.PartialFailure(); perr != nil {
			logger.Warn("mediator: reducing partial result", zap.String("listener", inv.Listener), zap.Error(perr))
		}
		replies := make([]*types.Invoke, 0, len(res.Pieces))
		for _, piece := range res.Pieces {
			replies = append(replies, piece.Reply)
		}
		return reduce(inv, replies)
	}

	targets, err := m.targets()
	if err != nil {
		return nil, err
	}

	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	calls, sendErrs := m.down.RequestAll(ctx, targets, types.NewInvoke(inv.Listener, inv.Args()...))
	for _, err := range sendErrs {
		logger.Warn("mediator: forward failed", zap.String("listener", inv.Listener), zap.Error(err))
	}

	replies := make([]*types.Invoke, 0, len(calls))
	for _, call := range calls {
		reply, err := call.Wait(ctx)
		if err != nil {
			logger.Warn("mediator: child did not complete", zap.String("system", call.System.Name()), zap.Error(err))
			continue
		}
		replies = append(replies, reply)
	}
	if len(replies) == 0 {
		return nil, types.NewNoAvailablePeerError(m.cfg.Role)
	}
	return reduce(inv, replies)
}

func (m *Mediator) targets() ([]*system.System, error) {
	if m.cfg.Role != "" {
		return m.down.RoleSystems(m.cfg.Role)
	}
	systems := m.down.Systems()
	if len(systems) == 0 {
		return nil, types.NewNoAvailablePeerError("")
	}
	return systems, nil
}

// complete reports the result of id upward and forgets it. Unknown or
// already reported ids are ignored.
func (m *Mediator) complete(id uint64, params []types.Parameter, cause error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	var err error
	if cause != nil {
		err = m.up.ReportError(id, cause)
	} else {
		err = m.up.Report(id, params...)
	}
	if err != nil {
		logger.Warn("mediator: report failed", zap.Uint64("id", id), zap.Error(err))
		return
	}
	logger.Debug("mediator: reported",
		zap.Uint64("id", id),
		zap.String("listener", p.Listener),
		zap.Duration("elapsed", time.Since(p.CreatedAt)),
		zap.Bool("failed", cause != nil),
	)
}

// Close closes the master link and the sub-array.
func (m *Mediator) Close() error {
	return errors.Join(m.up.Close(), m.down.Close())
}
