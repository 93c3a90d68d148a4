// Package numeric is the small CPU tensor surface shared by the model, the
// objective and the optimizers. Heavier algebra lives in gonum.
package numeric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Param is a trainable tensor together with its accumulated gradient.
// Data and Grad always have the same length, the product of Shape.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParam allocates a zeroed parameter.
func NewParam(name string, shape ...int) *Param {
	n := ShapeSize(shape)
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

func (p *Param) Size() int {
	return len(p.Data)
}

func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// CopyFrom overwrites the parameter values, keeping the gradient buffer.
func (p *Param) CopyFrom(shape []int, data []float64) error {
	if !SameShape(p.Shape, shape) {
		return fmt.Errorf("shape mismatch for %s: have %v, got %v", p.Name, p.Shape, shape)
	}
	if len(data) != len(p.Data) {
		return fmt.Errorf("size mismatch for %s: have %d, got %d", p.Name, len(p.Data), len(data))
	}
	copy(p.Data, data)
	return nil
}

func ShapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Logits is a dense [B, T, V] score tensor, row-major.
type Logits struct {
	B, T, V int
	Data    []float64
}

func NewLogits(b, t, v int) *Logits {
	return &Logits{B: b, T: t, V: v, Data: make([]float64, b*t*v)}
}

// Row returns the vocabulary scores at (b, t). The slice aliases Data.
func (l *Logits) Row(b, t int) []float64 {
	off := (b*l.T + t) * l.V
	return l.Data[off : off+l.V]
}

// Softmax normalises x in place.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}

// LogSoftmaxAt returns log(softmax(x)[i]) without materialising the softmax.
func LogSoftmaxAt(x []float64, i int) float64 {
	return x[i] - floats.LogSumExp(x)
}

// Argmax returns the index of the largest value, -1 for an empty slice.
// Ties resolve to the lowest index.
func Argmax(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	return floats.MaxIdx(x)
}

// CountNonFinite reports how many NaN and Inf values data holds.
func CountNonFinite(data []float64) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(v) {
			nanCount++
		} else if math.IsInf(v, 0) {
			infCount++
		}
	}
	return nanCount, infCount
}

func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
