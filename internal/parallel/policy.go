package parallel

// Policy decides on which rounds the allocation ratios are re-optimized.
type Policy interface {
	Due(round uint64) bool
}

// EveryN optimizes on every n-th round. n <= 0 never optimizes.
type EveryN int

// Due implements Policy.
func (n EveryN) Due(round uint64) bool {
	return n > 0 && round%uint64(n) == 0
}

type never struct{}

func (never) Due(uint64) bool { return false }

// Never disables optimization; ratios follow the performance indices only.
var Never Policy = never{}
