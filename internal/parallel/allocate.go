package parallel

import (
	"math"
)

// Segment is the half-open range [Start, End).
type Segment struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of units in the segment.
func (s Segment) Len() int64 { return s.End - s.Start }

// Allocate splits [first, last) into len(weights) contiguous segments sized
// in proportion to the weights. Every share is floored and the last segment
// takes the remainder, so the segments cover the range exactly. Negative
// weights count as zero; if no weight is positive the split is even.
func Allocate(first, last int64, weights []float64) []Segment {
	n := len(weights)
	if n == 0 {
		return nil
	}
	if last < first {
		last = first
	}
	total := last - first

	w := make([]float64, n)
	var sum float64
	for i, v := range weights {
		if v > 0 && !math.IsInf(v, 0) {
			w[i] = v
			sum += v
		}
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1
		}
		sum = float64(n)
	}

	segments := make([]Segment, n)
	start := first
	for i := 0; i < n-1; i++ {
		share := int64(math.Floor(float64(total) * w[i] / sum))
		if share > last-start {
			share = last - start
		}
		segments[i] = Segment{Start: start, End: start + share}
		start += share
	}
	segments[n-1] = Segment{Start: start, End: last}
	return segments
}
