// Package scorer defines the injected inference boundary (spec §6): a
// pure, stateless function from a batch of feature rows to a batch of
// scores. The core treats implementations as black boxes and never
// inspects tensor contents beyond row count.
package scorer

import (
	"context"
	"errors"
	"fmt"
)

// Failure modes the batcher and processor classify on.
var (
	ErrTransientUnavailable = errors.New("scorer transiently unavailable")
	ErrInvalidInput         = errors.New("scorer received invalid input")
	ErrTimeout              = errors.New("scorer call timed out")
	ErrCountMismatch        = errors.New("scorer returned a different row count than the input")
)

// Scorer scores one batch: N rows of F features each, returning exactly
// N scores positionally aligned with the input rows.
type Scorer interface {
	Score(ctx context.Context, batch [][]float32) ([]float32, error)
}

// Func adapts a plain function to the Scorer interface.
type Func func(ctx context.Context, batch [][]float32) ([]float32, error)

func (f Func) Score(ctx context.Context, batch [][]float32) ([]float32, error) {
	return f(ctx, batch)
}

// ValidateOutput enforces the §8 invariant that a row-count mismatch
// fails the whole batch with ErrCountMismatch, wrapped with the actual
// counts for diagnostics.
func ValidateOutput(batch [][]float32, scores []float32) error {
	if len(scores) != len(batch) {
		return fmt.Errorf("%w: got %d scores for %d rows", ErrCountMismatch, len(scores), len(batch))
	}
	return nil
}
