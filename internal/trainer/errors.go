package trainer

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/checkpoint"
	"github.com/23skdu/longbow-vqa/internal/model"
	"github.com/23skdu/longbow-vqa/internal/objective"
	"github.com/23skdu/longbow-vqa/internal/optim"
)

var (
	// ErrPrecondition marks malformed input: bad batch shapes or a corrupt
	// or incompatible checkpoint. Never retried.
	ErrPrecondition = errors.New("precondition violated")

	// ErrNumericInstability marks a non-finite loss or gradient. The run
	// aborts before the optimizer step so parameters stay finite.
	ErrNumericInstability = errors.New("numerical instability")
)

// classify tags leaf sentinels with their category so callers can match
// either one with errors.Is.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPrecondition), errors.Is(err, ErrNumericInstability):
		return err
	case errors.Is(err, batch.ErrShapeMismatch),
		errors.Is(err, checkpoint.ErrMissingField),
		errors.Is(err, checkpoint.ErrUnsupportedVersion),
		errors.Is(err, model.ErrNotTraining):
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	case errors.Is(err, objective.ErrNonFiniteLoss),
		errors.Is(err, optim.ErrNonFiniteGradient):
		return fmt.Errorf("%w: %w", ErrNumericInstability, err)
	default:
		return err
	}
}
