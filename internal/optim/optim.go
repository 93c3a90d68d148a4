// Package optim implements the parameter update strategies used by the
// trainer, gradient norm clipping and the step learning-rate schedule.
package optim

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-vqa/internal/numeric"
)

// Kind is the closed set of supported optimizers.
type Kind int

const (
	SGD Kind = iota
	Adam
)

func (k Kind) String() string {
	switch k {
	case SGD:
		return "sgd"
	case Adam:
		return "adam"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sgd":
		return SGD, nil
	case "adam":
		return Adam, nil
	default:
		return 0, fmt.Errorf("unknown optimizer %q (want sgd or adam)", s)
	}
}

// Config holds the hyper-parameters for every Kind; each strategy reads the
// fields it needs.
type Config struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Eps         float64
}

func DefaultConfig() Config {
	return Config{
		LR:          0.001,
		Momentum:    0.9,
		WeightDecay: 0,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
	}
}

// Optimizer updates a fixed set of parameters from their accumulated
// gradients. It owns every buffer needed to resume numerically continuous
// training, exposed through State and LoadState.
type Optimizer interface {
	Kind() Kind
	Step() error
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	StepCount() uint64
	State() State
	LoadState(State) error
}

// Slot is one per-parameter state buffer, e.g. SGD momentum or Adam's
// first/second moment.
type Slot struct {
	Name  string
	Param string
	Data  []float64
}

// State is the serialisable form of an optimizer.
type State struct {
	Kind  Kind
	Step  uint64
	LR    float64
	Slots []Slot
}

// New builds the strategy for kind over params.
func New(kind Kind, params []*numeric.Param, cfg Config) (Optimizer, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}
	if cfg.LR <= 0 {
		return nil, fmt.Errorf("invalid learning rate: %v (must be positive)", cfg.LR)
	}
	switch kind {
	case SGD:
		return newSGD(params, cfg), nil
	case Adam:
		return newAdam(params, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer kind: %s", kind)
	}
}

func zeroGrad(params []*numeric.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func snapshot(name string, params []*numeric.Param, bufs [][]float64) []Slot {
	slots := make([]Slot, len(bufs))
	for i, b := range bufs {
		slots[i] = Slot{Name: name, Param: params[i].Name, Data: append([]float64(nil), b...)}
	}
	return slots
}

// restore copies every slot called name back into bufs, matched by parameter
// name. Each buffer must be present exactly once.
func restore(name string, params []*numeric.Param, bufs [][]float64, slots []Slot) error {
	index := make(map[string]int, len(params))
	for i, p := range params {
		index[p.Name] = i
	}
	seen := make([]bool, len(params))
	for _, s := range slots {
		if s.Name != name {
			continue
		}
		i, ok := index[s.Param]
		if !ok {
			return fmt.Errorf("%s slot for unknown parameter %q", name, s.Param)
		}
		if len(s.Data) != len(bufs[i]) {
			return fmt.Errorf("%s slot for %q has %d values, want %d", name, s.Param, len(s.Data), len(bufs[i]))
		}
		copy(bufs[i], s.Data)
		seen[i] = true
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("missing %s slot for parameter %q", name, params[i].Name)
		}
	}
	return nil
}

func checkKind(want Kind, st State) error {
	if st.Kind != want {
		return fmt.Errorf("state kind mismatch: expected %s, got %s", want, st.Kind)
	}
	return nil
}

func allocLike(params []*numeric.Param) [][]float64 {
	bufs := make([][]float64, len(params))
	for i, p := range params {
		bufs[i] = make([]float64, p.Size())
	}
	return bufs
}
