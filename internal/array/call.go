package array

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

// RemoteError is a handler failure reported by a peer.
type RemoteError struct {
	System  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.System, e.Message)
}

// Call is one in-flight request awaiting its completion report.
type Call struct {
	ID     uint64
	System *system.System
	Sent   time.Time

	// Received is set when the call resolves.
	Received time.Time

	once  sync.Once
	done  chan struct{}
	reply *types.Invoke
	err   error
}

func newCall(id uint64, s *system.System) *Call {
	return &Call{ID: id, System: s, Sent: time.Now(), done: make(chan struct{})}
}

// Done is closed when the call resolves.
func (c *Call) Done() <-chan struct{} { return c.done }

// Elapsed is the round trip time. It is only meaningful after Done.
func (c *Call) Elapsed() time.Duration { return c.Received.Sub(c.Sent) }

// Result returns the report and error. It is only meaningful after Done.
func (c *Call) Result() (*types.Invoke, error) { return c.reply, c.err }

// Wait blocks until the call resolves or ctx is done.
func (c *Call) Wait(ctx context.Context) (*types.Invoke, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) resolve(reply *types.Invoke, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.reply, c.err = reply, err
		c.Received = time.Now()
		close(c.done)
		resolved = true
	})
	return resolved
}

// Request sends inv to s tagged with a fresh invocation id and returns the
// pending call. Cancelling ctx fails the call locally; the peer is not told.
func (a *Array) Request(ctx context.Context, s *system.System, inv *types.Invoke) (*Call, error) {
	id := a.nextID.Add(1)
	call := newCall(id, s)

	a.callMu.Lock()
	a.calls[id] = call
	a.callMu.Unlock()

	if err := s.Send(inv.WithID(id)); err != nil {
		a.dropCall(id)
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		a.dropCall(id)
		call.resolve(nil, ctx.Err())
	})
	go func() {
		<-call.done
		stop()
	}()

	return call, nil
}

// RequestAll issues one request per system. Systems whose send fails are
// skipped and their errors returned alongside the calls that were sent.
func (a *Array) RequestAll(ctx context.Context, systems []*system.System, inv *types.Invoke) ([]*Call, []error) {
	calls := make([]*Call, 0, len(systems))
	var errs []error
	for _, s := range systems {
		call, err := a.Request(ctx, s, inv)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		calls = append(calls, call)
	}
	return calls, errs
}

// InFlight returns the number of unresolved calls.
func (a *Array) InFlight() int {
	a.callMu.Lock()
	defer a.callMu.Unlock()
	return len(a.calls)
}

func (a *Array) dropCall(id uint64) *Call {
	a.callMu.Lock()
	defer a.callMu.Unlock()
	call, ok := a.calls[id]
	if !ok {
		return nil
	}
	delete(a.calls, id)
	return call
}

// completeCall resolves the call matching a report from s. Unknown ids and
// reports from another system are dropped.
func (a *Array) completeCall(s *system.System, report *types.Invoke) {
	id, ok := report.ID()
	if !ok {
		logger.Debug("array: report without id", zap.String("system", s.Name()))
		return
	}

	a.callMu.Lock()
	call, ok := a.calls[id]
	if ok && call.System.ID() == s.ID() {
		delete(a.calls, id)
	} else {
		ok = false
	}
	a.callMu.Unlock()

	if !ok {
		logger.Debug("array: unmatched report dropped", zap.Uint64("id", id), zap.String("system", s.Name()))
		return
	}

	var err error
	if msg, failed := report.ErrorMessage(); failed {
		err = &RemoteError{System: s.Name(), Message: msg}
	}
	call.resolve(report, err)
}

func (a *Array) failCalls(s *system.System, cause error) {
	a.callMu.Lock()
	var failed []*Call
	for id, call := range a.calls {
		if s == nil || call.System.ID() == s.ID() {
			failed = append(failed, call)
			delete(a.calls, id)
		}
	}
	a.callMu.Unlock()

	for _, call := range failed {
		call.resolve(nil, types.NewConnectionError(call.System.Name(), cause))
	}
}
