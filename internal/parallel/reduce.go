package parallel

import (
	"fmt"

	"yqhp/sysarray/pkg/types"
)

// SumInt adds the first integer argument of every reply.
func SumInt(r *Result) (int64, error) {
	var sum int64
	for _, piece := range r.Pieces {
		args := piece.Reply.Args()
		if len(args) == 0 {
			return 0, fmt.Errorf("piece %d-%d from %s: no int result", piece.Segment.Start, piece.Segment.End, piece.System.Name())
		}
		n, err := args[0].Int()
		if err != nil {
			return 0, fmt.Errorf("piece %d-%d from %s: %w", piece.Segment.Start, piece.Segment.End, piece.System.Name(), err)
		}
		sum += n
	}
	return sum, nil
}

// Concat joins the reply arguments of every piece in segment order.
func Concat(r *Result) []types.Parameter {
	var out []types.Parameter
	for _, piece := range r.Pieces {
		out = append(out, piece.Reply.Args()...)
	}
	return out
}
