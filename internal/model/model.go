// Package model defines the answer model collaborator and ships Baseline, a
// small fully differentiable reference model used for smoke runs and tests.
package model

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/numeric"
)

// ErrNotTraining is returned by Backward when the model is in eval mode.
var ErrNotTraining = errors.New("backward called outside training mode")

// Model produces answer logits [B, maxAnswerLen, vocab] for a batch of
// images and padded questions. Parameters are only mutated by an optimizer
// through the slices returned from Parameters.
type Model interface {
	Forward(images batch.Images, questions [][]int, maxAnswerLen int) (*numeric.Logits, error)
	// Backward accumulates parameter gradients from dLoss/dLogits of the most
	// recent Forward.
	Backward(grad *numeric.Logits) error
	Parameters() []*numeric.Param
	// SetTraining switches between train and eval mode.
	SetTraining(training bool)
	Spec() Spec
}

// Spec is the serialisable architecture description stored alongside
// parameters so a checkpoint can be rebuilt without the training config.
type Spec struct {
	Arch         string `json:"arch"`
	VocabSize    int    `json:"vocab_size"`
	PadID        int    `json:"pad_id"`
	Channels     int    `json:"channels"`
	EmbedSize    int    `json:"embed_size"`
	HiddenSize   int    `json:"hidden_size"`
	MaxAnswerLen int    `json:"max_answer_len"`
}

const ArchBaseline = "baseline"

func (s Spec) Validate() error {
	if s.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", s.VocabSize)
	}
	if s.PadID < 0 || s.PadID >= s.VocabSize {
		return fmt.Errorf("invalid pad_id: %d (must be in [0, %d))", s.PadID, s.VocabSize)
	}
	if s.Channels <= 0 {
		return fmt.Errorf("invalid channels: %d (must be positive)", s.Channels)
	}
	if s.EmbedSize <= 0 {
		return fmt.Errorf("invalid embed_size: %d (must be positive)", s.EmbedSize)
	}
	if s.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", s.HiddenSize)
	}
	if s.MaxAnswerLen <= 0 {
		return fmt.Errorf("invalid max_answer_len: %d (must be positive)", s.MaxAnswerLen)
	}
	return nil
}

// FromSpec constructs the architecture named by spec.Arch with freshly
// initialised parameters drawn from seed.
func FromSpec(spec Spec, seed uint64) (Model, error) {
	switch spec.Arch {
	case ArchBaseline, "":
		spec.Arch = ArchBaseline
		return NewBaseline(spec, seed)
	default:
		return nil, fmt.Errorf("unknown model architecture %q", spec.Arch)
	}
}
