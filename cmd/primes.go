package cmd

import (
	"context"
	"errors"

	"yqhp/sysarray/pkg/types"
)

const (
	// RolePrimes is the role of the demo workload.
	RolePrimes = "primes"
	// ListenerCountPrimes counts the primes of the segment [start, end).
	ListenerCountPrimes = "count_primes"
)

// countPrimes counts primes in [start, end), checking ctx every few
// thousand candidates.
func countPrimes(ctx context.Context, start, end int64) (int64, error) {
	var n int64
	for v := max(start, 2); v < end; v++ {
		if v%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if isPrime(v) {
			n++
		}
	}
	return n, nil
}

func isPrime(v int64) bool {
	if v < 2 {
		return false
	}
	if v%2 == 0 {
		return v == 2
	}
	for d := int64(3); d*d <= v; d += 2 {
		if v%d == 0 {
			return false
		}
	}
	return true
}

func handleCountPrimes(ctx context.Context, inv *types.Invoke) ([]types.Parameter, error) {
	start, end, ok := inv.Segment()
	if !ok {
		return nil, errors.New("count_primes needs a segment")
	}
	n, err := countPrimes(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return []types.Parameter{types.IntParam(n)}, nil
}
