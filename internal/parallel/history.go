package parallel

import (
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minPerUnit = 1
	maxPerUnit = 3_600_000_000 // one hour per unit, in microseconds
)

// SystemStats summarizes the measured speed of one system.
type SystemStats struct {
	Name             string  `json:"name"`
	PerformanceIndex float64 `json:"performance_index"`
	Samples          int64   `json:"samples"`
	MeanMicros       float64 `json:"mean_us_per_unit"`
	P50Micros        int64   `json:"p50_us_per_unit"`
	P99Micros        int64   `json:"p99_us_per_unit"`
}

// history keeps microseconds-per-unit histograms by system name and a ring
// of recent performance index vectors.
type history struct {
	mu      sync.Mutex
	perUnit map[string]*hdrhistogram.Histogram
	ring    []map[string]float64
	size    int
}

func newHistory(size int) *history {
	if size < 1 {
		size = 1
	}
	return &history{perUnit: make(map[string]*hdrhistogram.Histogram), size: size}
}

func (h *history) record(name string, microsPerUnit int64) {
	if microsPerUnit < minPerUnit {
		microsPerUnit = minPerUnit
	}
	if microsPerUnit > maxPerUnit {
		microsPerUnit = maxPerUnit
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.perUnit[name]
	if !ok {
		hist = hdrhistogram.New(minPerUnit, maxPerUnit, 3)
		h.perUnit[name] = hist
	}
	_ = hist.RecordValue(microsPerUnit)
}

// mean returns the mean microseconds per unit, or false without samples.
func (h *history) mean(name string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.perUnit[name]
	if !ok || hist.TotalCount() == 0 {
		return 0, false
	}
	return hist.Mean(), true
}

func (h *history) push(indices map[string]float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring = append(h.ring, indices)
	if len(h.ring) > h.size {
		h.ring = h.ring[len(h.ring)-h.size:]
	}
}

// vectors projects the ring onto names. Names missing from an entry take
// the value from fallback.
func (h *history) vectors(names []string, fallback []float64) [][]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([][]float64, 0, len(h.ring))
	for _, entry := range h.ring {
		v := make([]float64, len(names))
		for i, name := range names {
			if idx, ok := entry[name]; ok {
				v[i] = idx
			} else {
				v[i] = fallback[i]
			}
		}
		out = append(out, v)
	}
	return out
}

func (h *history) stats(name string, index float64) SystemStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := SystemStats{Name: name, PerformanceIndex: index}
	if hist, ok := h.perUnit[name]; ok {
		st.Samples = hist.TotalCount()
		st.MeanMicros = hist.Mean()
		st.P50Micros = hist.ValueAtQuantile(50)
		st.P99Micros = hist.ValueAtQuantile(99)
	}
	return st
}
