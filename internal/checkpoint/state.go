// Package checkpoint persists and restores full training state: model
// parameters, optimizer buffers and the epoch/plateau bookkeeping.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-vqa/internal/model"
	"github.com/23skdu/longbow-vqa/internal/optim"
)

// Version is the schema version written by this package. Readers accept any
// version up to and including it.
const Version = 1

var (
	ErrMissingField       = errors.New("checkpoint missing required field")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
	ErrResource           = errors.New("checkpoint could not be persisted")
)

// Tensor is a named parameter snapshot.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// State is the unit of persistence.
type State struct {
	Version                int
	Epoch                  int
	EpochsSinceImprovement int
	BestScore              float64
	Model                  model.Spec
	Params                 []Tensor
	Optimizer              optim.State
	RunID                  string
	CreatedAt              time.Time
	Best                   bool
}

// Capture deep-copies the current model and optimizer into a State.
func Capture(epoch, epochsSinceImprovement int, bestScore float64, m model.Model, opt optim.Optimizer, runID string) *State {
	params := m.Parameters()
	tensors := make([]Tensor, len(params))
	for i, p := range params {
		tensors[i] = Tensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		}
	}
	return &State{
		Version:                Version,
		Epoch:                  epoch,
		EpochsSinceImprovement: epochsSinceImprovement,
		BestScore:              bestScore,
		Model:                  m.Spec(),
		Params:                 tensors,
		Optimizer:              opt.State(),
		RunID:                  runID,
		CreatedAt:              time.Now().UTC(),
	}
}

// RestoreModel copies the stored parameters into m, matched by name. Every
// parameter of m must be present with an identical shape.
func (s *State) RestoreModel(m model.Model) error {
	byName := make(map[string]Tensor, len(s.Params))
	for _, t := range s.Params {
		byName[t.Name] = t
	}
	for _, p := range m.Parameters() {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: parameter %q", ErrMissingField, p.Name)
		}
		if err := p.CopyFrom(t.Shape, t.Data); err != nil {
			return err
		}
	}
	return nil
}

// Restore rebuilds model and optimizer state.
func (s *State) Restore(m model.Model, opt optim.Optimizer) error {
	if err := s.RestoreModel(m); err != nil {
		return err
	}
	if err := opt.LoadState(s.Optimizer); err != nil {
		return fmt.Errorf("failed to restore optimizer: %w", err)
	}
	return nil
}

// BuildModel constructs the stored architecture and loads its parameters.
func (s *State) BuildModel() (model.Model, error) {
	m, err := model.FromSpec(s.Model, 0)
	if err != nil {
		return nil, err
	}
	if err := s.RestoreModel(m); err != nil {
		return nil, err
	}
	return m, nil
}
