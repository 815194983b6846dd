// Package genetic is a small generic genetic algorithm over fixed-length
// genes. Selection is by tournament, the best gene of every generation is
// carried over unchanged, and crossover can preserve the multiset of gene
// elements so permutations stay permutations.
package genetic

import (
	"errors"
	"math/rand"
)

// Config tunes an Optimizer.
type Config struct {
	PopulationSize int     `yaml:"population_size" json:"population_size"`
	Generations    int     `yaml:"generations" json:"generations"`
	MutationRate   float64 `yaml:"mutation_rate" json:"mutation_rate"`
	Tournament     int     `yaml:"tournament" json:"tournament"`
	// Unique keeps every gene a permutation of the seed.
	Unique bool `yaml:"unique" json:"unique"`
}

// DefaultConfig returns the defaults of the classic permutation GA.
func DefaultConfig() Config {
	return Config{
		PopulationSize: 100,
		Generations:    50,
		MutationRate:   0.015,
		Tournament:     10,
		Unique:         true,
	}
}

// Better reports whether gene a is fitter than gene b.
type Better[T any] func(a, b []T) bool

// LowerIsBetter ranks genes by ascending fitness.
func LowerIsBetter[T any](fitness func([]T) float64) Better[T] {
	return func(a, b []T) bool { return fitness(a) < fitness(b) }
}

// HigherIsBetter ranks genes by descending fitness.
func HigherIsBetter[T any](fitness func([]T) float64) Better[T] {
	return func(a, b []T) bool { return fitness(a) > fitness(b) }
}

// Mutator changes a gene in place.
type Mutator[T any] func(gene []T, rate float64, rng *rand.Rand)

// SwapMutation swaps each position with a random one with probability rate.
// It never changes the multiset of elements.
func SwapMutation[T any](gene []T, rate float64, rng *rand.Rand) {
	for i := range gene {
		if rng.Float64() < rate {
			j := rng.Intn(len(gene))
			gene[i], gene[j] = gene[j], gene[i]
		}
	}
}

// Population is one generation of genes. All genes have the same length.
type Population[T comparable] struct {
	Genes [][]T
}

// NewPopulation seeds a population of size genes: the seed itself followed
// by shuffled copies of it.
func NewPopulation[T comparable](seed []T, size int, rng *rand.Rand) *Population[T] {
	if size < 1 {
		size = 1
	}
	genes := make([][]T, size)
	genes[0] = clone(seed)
	for i := 1; i < size; i++ {
		g := clone(seed)
		rng.Shuffle(len(g), func(a, b int) { g[a], g[b] = g[b], g[a] })
		genes[i] = g
	}
	return &Population[T]{Genes: genes}
}

// NewPopulationOf wraps existing genes.
func NewPopulationOf[T comparable](genes [][]T) *Population[T] {
	out := make([][]T, len(genes))
	for i, g := range genes {
		out[i] = clone(g)
	}
	return &Population[T]{Genes: out}
}

// Len returns the number of genes.
func (p *Population[T]) Len() int { return len(p.Genes) }

// Best returns the fittest gene.
func (p *Population[T]) Best(better Better[T]) []T {
	if len(p.Genes) == 0 {
		return nil
	}
	best := p.Genes[0]
	for _, g := range p.Genes[1:] {
		if better(g, best) {
			best = g
		}
	}
	return best
}

// Optimizer evolves populations.
type Optimizer[T comparable] struct {
	cfg    Config
	better Better[T]
	rng    *rand.Rand
	mutate Mutator[T]
}

// Option configures an Optimizer.
type Option[T comparable] func(*Optimizer[T])

// WithMutator replaces swap mutation.
func WithMutator[T comparable](m Mutator[T]) Option[T] {
	return func(o *Optimizer[T]) { o.mutate = m }
}

// New creates an optimizer. rng must not be shared between goroutines.
func New[T comparable](cfg Config, better Better[T], rng *rand.Rand, opts ...Option[T]) (*Optimizer[T], error) {
	if better == nil {
		return nil, errors.New("genetic: comparator is required")
	}
	if rng == nil {
		return nil, errors.New("genetic: random source is required")
	}
	if cfg.PopulationSize < 1 {
		cfg.PopulationSize = 1
	}
	if cfg.Tournament < 1 {
		cfg.Tournament = 1
	}
	if cfg.MutationRate < 0 {
		cfg.MutationRate = 0
	}

	o := &Optimizer[T]{cfg: cfg, better: better, rng: rng, mutate: SwapMutation[T]}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Optimizer[T]) Config() Config { return o.cfg }

// Evolve seeds a population from seed and returns the fittest gene after
// the configured number of generations.
func (o *Optimizer[T]) Evolve(seed []T) []T {
	return o.EvolvePopulation(NewPopulation(seed, o.cfg.PopulationSize, o.rng))
}

// EvolvePopulation runs the configured number of generations from pop.
func (o *Optimizer[T]) EvolvePopulation(pop *Population[T]) []T {
	for g := 0; g < o.cfg.Generations; g++ {
		pop = o.Step(pop)
	}
	return clone(pop.Best(o.better))
}

// Step produces the next generation. Its size equals the size of pop and
// its first gene is the fittest gene of pop, unchanged.
func (o *Optimizer[T]) Step(pop *Population[T]) *Population[T] {
	n := pop.Len()
	if n == 0 {
		return pop
	}

	next := make([][]T, n)
	next[0] = clone(pop.Best(o.better))
	for i := 1; i < n; i++ {
		a := o.tournament(pop)
		b := o.tournament(pop)
		child := o.crossover(a, b)
		o.mutate(child, o.cfg.MutationRate, o.rng)
		next[i] = child
	}
	return &Population[T]{Genes: next}
}

func (o *Optimizer[T]) tournament(pop *Population[T]) []T {
	best := pop.Genes[o.rng.Intn(pop.Len())]
	for i := 1; i < o.cfg.Tournament; i++ {
		candidate := pop.Genes[o.rng.Intn(pop.Len())]
		if o.better(candidate, best) {
			best = candidate
		}
	}
	return best
}

func (o *Optimizer[T]) crossover(a, b []T) []T {
	if len(a) != len(b) || len(a) == 0 {
		return clone(a)
	}
	if o.cfg.Unique {
		return rangeCrossover(a, b, o.rng)
	}

	child := make([]T, len(a))
	for i := range child {
		if o.rng.Intn(2) == 0 {
			child[i] = a[i]
		} else {
			child[i] = b[i]
		}
	}
	return child
}

// rangeCrossover copies a[lo:hi] and fills the other positions with the
// elements of b in order, skipping the ones already taken from a. When a
// and b hold the same multiset the child holds it too.
func rangeCrossover[T comparable](a, b []T, rng *rand.Rand) []T {
	n := len(a)
	lo := rng.Intn(n)
	hi := lo + 1 + rng.Intn(n-lo)

	taken := make(map[T]int, hi-lo)
	for _, v := range a[lo:hi] {
		taken[v]++
	}

	child := make([]T, n)
	copy(child[lo:hi], a[lo:hi])

	pos := 0
	for _, v := range b {
		if taken[v] > 0 {
			taken[v]--
			continue
		}
		if pos == lo {
			pos = hi
		}
		if pos >= n {
			// multisets differ
			return clone(a)
		}
		child[pos] = v
		pos++
	}
	if pos == lo {
		pos = hi
	}
	if pos != n {
		return clone(a)
	}
	return child
}

func clone[T any](g []T) []T {
	return append([]T(nil), g...)
}
