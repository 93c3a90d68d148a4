// Package objective scores answer logits against padded targets, counting
// only the positions the batch mask marks as real.
package objective

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/numeric"
)

var ErrNonFiniteLoss = errors.New("non-finite loss")

// Result is the outcome of one masked evaluation. Loss is a sum over valid
// positions, not a mean, so it grows with the number of real answer tokens.
type Result struct {
	Loss     float64
	Accuracy float64
	Correct  int
	Valid    int

	// Grad is dLoss/dLogits, only set by ComputeGrad. Masked positions are zero.
	Grad *numeric.Logits
}

// MaskedCrossEntropy is a stateless per-token cross-entropy objective.
type MaskedCrossEntropy struct{}

// Compute returns the masked loss and accuracy.
func (o MaskedCrossEntropy) Compute(logits *numeric.Logits, targets [][]int, mask [][]bool) (*Result, error) {
	return o.compute(logits, targets, mask, false)
}

// ComputeGrad is Compute plus the gradient of the loss with respect to the
// logits, which is what the model's backward pass consumes.
func (o MaskedCrossEntropy) ComputeGrad(logits *numeric.Logits, targets [][]int, mask [][]bool) (*Result, error) {
	return o.compute(logits, targets, mask, true)
}

func (MaskedCrossEntropy) compute(logits *numeric.Logits, targets [][]int, mask [][]bool, withGrad bool) (*Result, error) {
	if err := checkShapes(logits, targets, mask); err != nil {
		return nil, err
	}

	res := &Result{}
	if withGrad {
		res.Grad = numeric.NewLogits(logits.B, logits.T, logits.V)
	}

	probs := make([]float64, logits.V)
	for b := 0; b < logits.B; b++ {
		for t := 0; t < logits.T; t++ {
			// Padded positions contribute exactly zero; skipping them also keeps
			// a non-finite score at a pad slot from turning 0*Inf into NaN.
			if !mask[b][t] {
				continue
			}
			target := targets[b][t]
			if target < 0 || target >= logits.V {
				return nil, fmt.Errorf("%w: target %d at (%d,%d) outside vocab of %d",
					batch.ErrShapeMismatch, target, b, t, logits.V)
			}
			row := logits.Row(b, t)
			res.Loss -= numeric.LogSoftmaxAt(row, target)
			res.Valid++
			if numeric.Argmax(row) == target {
				res.Correct++
			}
			if withGrad {
				copy(probs, row)
				numeric.Softmax(probs)
				g := res.Grad.Row(b, t)
				copy(g, probs)
				g[target] -= 1
			}
		}
	}

	if !numeric.IsFinite(res.Loss) {
		return nil, fmt.Errorf("%w: %v over %d positions", ErrNonFiniteLoss, res.Loss, res.Valid)
	}
	if res.Valid > 0 {
		res.Accuracy = float64(res.Correct) / float64(res.Valid)
	}
	return res, nil
}

func checkShapes(logits *numeric.Logits, targets [][]int, mask [][]bool) error {
	if logits == nil {
		return fmt.Errorf("%w: nil logits", batch.ErrShapeMismatch)
	}
	if len(logits.Data) != logits.B*logits.T*logits.V {
		return fmt.Errorf("%w: logits data length %d, want %d",
			batch.ErrShapeMismatch, len(logits.Data), logits.B*logits.T*logits.V)
	}
	if len(targets) != logits.B || len(mask) != logits.B {
		return fmt.Errorf("%w: logits batch %d, targets %d, mask %d",
			batch.ErrShapeMismatch, logits.B, len(targets), len(mask))
	}
	for b := range targets {
		if len(targets[b]) != logits.T || len(mask[b]) != logits.T {
			return fmt.Errorf("%w: row %d has %d targets and %d mask entries, logits have %d steps",
				batch.ErrShapeMismatch, b, len(targets[b]), len(mask[b]), logits.T)
		}
	}
	return nil
}
