// Package parallel splits segmentable jobs across the systems of an array in
// proportion to their measured speed, and feeds every round's timings back
// into the performance indices that size the next round.
package parallel

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/sysarray/internal/array"
	"yqhp/sysarray/internal/genetic"
	"yqhp/sysarray/internal/store"
	"yqhp/sysarray/internal/system"
	"yqhp/sysarray/pkg/logger"
	"yqhp/sysarray/pkg/types"
)

// Config tunes the parallel rounds.
type Config struct {
	// Timeout bounds one round; 0 waits for every piece or ctx.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// OptimizeEvery runs the genetic optimizer every n rounds; 0 disables it.
	OptimizeEvery int            `yaml:"optimize_every" json:"optimize_every"`
	HistorySize   int            `yaml:"history_size" json:"history_size"`
	Genetic       genetic.Config `yaml:"genetic" json:"genetic"`
}

// DefaultConfig returns the default round settings.
func DefaultConfig() Config {
	g := genetic.DefaultConfig()
	g.Unique = false
	g.PopulationSize = 40
	g.Generations = 30
	g.MutationRate = 0.2
	g.Tournament = 4
	return Config{
		Timeout:       30 * time.Second,
		OptimizeEvery: 0,
		HistorySize:   16,
		Genetic:       g,
	}
}

// Job is one segmentable unit of work over [First, Last).
type Job struct {
	// Role selects the participants; empty means every system.
	Role     string
	Listener string
	Params   []types.Parameter
	First    int64
	Last     int64
}

// Piece is the outcome of one dispatched segment.
type Piece struct {
	System  *system.System
	Segment Segment
	Reply   *types.Invoke
	Elapsed time.Duration
	Err     error
}

// Result holds the pieces of one round in segment order.
type Result struct {
	Round   uint64
	Pieces  []Piece
	Missing []Piece
}

// PartialFailure returns a PARTIAL_FAILURE error naming the systems that did
// not complete, or nil.
func (r *Result) PartialFailure() error {
	if len(r.Missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Missing))
	for _, p := range r.Missing {
		names = append(names, p.System.Name())
	}
	return types.NewPartialFailureError(names)
}

// Option configures an Array.
type Option func(*Array)

// WithStore persists performance indices by system name.
func WithStore(s store.PerformanceStore) Option {
	return func(p *Array) { p.store = s }
}

// WithPolicy overrides the optimizer cadence from Config.OptimizeEvery.
func WithPolicy(policy Policy) Option {
	return func(p *Array) { p.policy = policy }
}

// WithRand sets the random source of the optimizer.
func WithRand(rng *rand.Rand) Option {
	return func(p *Array) { p.rng = rng }
}

// Array is a system array that runs segmented jobs.
type Array struct {
	*array.Array

	cfg     Config
	policy  Policy
	store   store.PerformanceStore
	history *history
	rounds  atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New wraps base. When a store is set it takes over the base OnJoin and
// OnIdentify hooks to restore stored performance indices. Indices are keyed by
// system name, which for accepted peers is the node name they announce.
func New(base *array.Array, cfg Config, opts ...Option) *Array {
	p := &Array{
		Array:   base,
		cfg:     cfg,
		history: newHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.policy == nil {
		if cfg.OptimizeEvery > 0 {
			p.policy = EveryN(cfg.OptimizeEvery)
		} else {
			p.policy = Never
		}
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.store != nil {
		base.OnJoin(p.restore)
		base.OnIdentify(p.restore)
	}
	return p
}

func (p *Array) restore(s *system.System) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, ok, err := p.store.Load(ctx, s.Name())
	if err != nil {
		logger.Warn("parallel: load performance index failed", zap.String("system", s.Name()), zap.Error(err))
		return
	}
	if ok {
		s.SetPerformanceIndex(v)
	}
}

// Close closes the systems and the performance store.
func (p *Array) Close() error {
	err := p.Array.Close()
	if p.store != nil {
		err = errors.Join(err, p.store.Close())
	}
	return err
}

// Rounds returns the number of rounds started.
func (p *Array) Rounds() uint64 { return p.rounds.Load() }

// Stats returns the measured speed of every system currently in the array.
func (p *Array) Stats() []SystemStats {
	systems := p.Systems()
	out := make([]SystemStats, 0, len(systems))
	for _, s := range systems {
		out = append(out, p.history.stats(s.Name(), s.PerformanceIndex()))
	}
	return out
}

func (p *Array) participants(role string) ([]*system.System, error) {
	if role != "" {
		return p.RoleSystems(role)
	}
	systems := p.Systems()
	if len(systems) == 0 {
		return nil, types.NewNoAvailablePeerError("")
	}
	return systems, nil
}

// Run splits job across the participants, waits for every piece or the
// round timeout, and updates the performance indices. It fails with
// ROLE_NOT_FOUND before contacting any peer, and with NO_AVAILABLE_PEER when
// nobody responded. Non-responders are listed in Result.Missing.
func (p *Array) Run(ctx context.Context, job Job) (*Result, error) {
	participants, err := p.participants(job.Role)
	if err != nil {
		return nil, err
	}

	round := p.rounds.Add(1)
	weights := p.weights(participants, round)
	segments := Allocate(job.First, job.Last, weights)

	roundCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	base := types.NewInvoke(job.Listener, job.Params...)
	pieces := make([]*Piece, 0, len(segments))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	started := time.Now()

	for i, seg := range segments {
		if seg.Len() == 0 {
			continue
		}
		piece := &Piece{System: participants[i], Segment: seg}
		pieces = append(pieces, piece)

		call, err := p.Request(roundCtx, piece.System, base.WithSegment(seg.Start, seg.End))
		if err != nil {
			piece.Err = err
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-call.Done()
			reply, err := call.Result()

			mu.Lock()
			piece.Reply, piece.Err, piece.Elapsed = reply, err, call.Elapsed()
			mu.Unlock()
		}()
	}
	wg.Wait()

	result := &Result{Round: round}
	mu.Lock()
	for _, piece := range pieces {
		if piece.Err != nil {
			result.Missing = append(result.Missing, *piece)
		} else {
			result.Pieces = append(result.Pieces, *piece)
		}
	}
	mu.Unlock()

	p.feedback(participants, result)

	logger.Info("parallel: round complete",
		zap.Uint64("round", round),
		zap.String("role", job.Role),
		zap.Int("responders", len(result.Pieces)),
		zap.Int("missing", len(result.Missing)),
		zap.Duration("elapsed", time.Since(started)),
	)

	if len(pieces) > 0 && len(result.Pieces) == 0 {
		return result, types.NewNoAvailablePeerError(job.Role)
	}
	return result, nil
}

// feedback rescales responders to their throughput relative to the fastest
// one and halves the index of every non-responder.
func (p *Array) feedback(participants []*system.System, r *Result) {
	for _, piece := range r.Missing {
		idx := piece.System.Degrade()
		logger.Warn("parallel: piece missing",
			zap.String("system", piece.System.Name()),
			zap.Float64("performance_index", idx),
			zap.Error(piece.Err),
		)
	}

	throughput := make([]float64, len(r.Pieces))
	var fastest float64
	for i, piece := range r.Pieces {
		elapsed := piece.Elapsed
		if elapsed < time.Microsecond {
			elapsed = time.Microsecond
		}
		units := float64(piece.Segment.Len())
		throughput[i] = units / elapsed.Seconds()
		fastest = math.Max(fastest, throughput[i])

		p.history.record(piece.System.Name(), int64(float64(elapsed.Microseconds())/units))
	}
	for i, piece := range r.Pieces {
		if fastest > 0 {
			piece.System.SetPerformanceIndex(throughput[i] / fastest)
		}
	}

	indices := make(map[string]float64, len(participants))
	for _, s := range participants {
		indices[s.Name()] = s.PerformanceIndex()
	}
	p.history.push(indices)

	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for name, idx := range indices {
		if err := p.store.Save(ctx, name, idx); err != nil {
			logger.Warn("parallel: save performance index failed", zap.String("system", name), zap.Error(err))
		}
	}
}

func (p *Array) weights(participants []*system.System, round uint64) []float64 {
	w := make([]float64, len(participants))
	for i, s := range participants {
		w[i] = s.PerformanceIndex()
	}
	if len(participants) < 2 || !p.policy.Due(round) {
		return w
	}
	return p.optimize(participants, w)
}

// optimize evolves allocation ratios minimizing the predicted makespan,
// the slowest share's units times its mean time per unit.
func (p *Array) optimize(participants []*system.System, current []float64) []float64 {
	names := make([]string, len(participants))
	perUnit := make([]float64, len(participants))
	known := 0
	var sum float64
	for i, s := range participants {
		names[i] = s.Name()
		if m, ok := p.history.mean(names[i]); ok {
			perUnit[i] = m
			sum += m
			known++
		}
	}
	if known == 0 {
		return current
	}
	for i := range perUnit {
		if perUnit[i] == 0 {
			perUnit[i] = sum / float64(known)
		}
	}

	makespan := func(w []float64) float64 {
		var total, worst float64
		for _, v := range w {
			total += math.Max(v, 0)
		}
		if total <= 0 {
			return math.Inf(1)
		}
		for i, v := range w {
			worst = math.Max(worst, math.Max(v, 0)/total*perUnit[i])
		}
		return worst
	}

	p.rngMu.Lock()
	defer p.rngMu.Unlock()

	cfg := p.cfg.Genetic
	cfg.Unique = false
	opt, err := genetic.New(cfg, genetic.LowerIsBetter(makespan), p.rng, genetic.WithMutator(perturb))
	if err != nil {
		logger.Warn("parallel: optimizer disabled", zap.Error(err))
		return current
	}

	seeds := append([][]float64{current}, p.history.vectors(names, current)...)
	for len(seeds) < opt.Config().PopulationSize {
		g := append([]float64(nil), current...)
		perturb(g, 1, p.rng)
		seeds = append(seeds, g)
	}
	if len(seeds) > opt.Config().PopulationSize {
		seeds = seeds[:opt.Config().PopulationSize]
	}

	best := opt.EvolvePopulation(genetic.NewPopulationOf(seeds))
	logger.Debug("parallel: ratios optimized",
		zap.Strings("systems", names),
		zap.Float64s("before", current),
		zap.Float64s("after", best),
		zap.Float64("predicted_makespan", makespan(best)),
	)
	return best
}

// perturb scales each position by a factor in [0.5, 1.5) with probability rate.
func perturb(g []float64, rate float64, rng *rand.Rand) {
	for i := range g {
		if rng.Float64() < rate {
			g[i] = math.Max(g[i]*(0.5+rng.Float64()), 1e-6)
		}
	}
}
