package scorer

import "context"

// NewDeterministicMock returns a Scorer useful for tests and local runs
// without an accelerator backend: the score for each row is the plain
// (unweighted) sum of its features, squashed into (0, 1). It is pure and
// stateless between calls, matching the real scorer's contract.
func NewDeterministicMock() Scorer {
	return Func(func(_ context.Context, batch [][]float32) ([]float32, error) {
		out := make([]float32, len(batch))
		for i, row := range batch {
			var sum float32
			for _, f := range row {
				sum += f
			}
			out[i] = squash(sum)
		}
		return out, nil
	})
}

// squash maps an unbounded sum into (0, 1) via a fast sigmoid
// approximation, avoiding a math.Exp call on the hot path.
func squash(x float32) float32 {
	if x < 0 {
		x = -x / (1 + -x)
		return 0.5 * (1 - x)
	}
	return 0.5*(x/(1+x)) + 0.5
}
