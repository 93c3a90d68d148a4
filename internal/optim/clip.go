package optim

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-vqa/internal/numeric"
	"gonum.org/v1/gonum/floats"
)

var ErrNonFiniteGradient = errors.New("non-finite gradient")

// GradNorm is the L2 norm of all gradients taken as one vector.
func GradNorm(params []*numeric.Param) float64 {
	sum := 0.0
	for _, p := range params {
		sum += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales every gradient in place so that their joint L2 norm
// is at most maxNorm, and returns the norm measured before clipping. A
// non-finite norm is reported as ErrNonFiniteGradient and nothing is scaled.
// maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*numeric.Param, maxNorm float64) (float64, error) {
	norm := GradNorm(params)
	if !numeric.IsFinite(norm) {
		return norm, fmt.Errorf("%w: norm %v", ErrNonFiniteGradient, norm)
	}
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, p := range params {
			floats.Scale(scale, p.Grad)
		}
	}
	return norm, nil
}

// Clip is the non-mutating form of ClipGradNorm over raw gradient vectors.
func Clip(grads [][]float64, maxNorm float64) [][]float64 {
	out := make([][]float64, len(grads))
	sum := 0.0
	for i, g := range grads {
		out[i] = append([]float64(nil), g...)
		sum += floats.Dot(g, g)
	}
	norm := math.Sqrt(sum)
	if maxNorm > 0 && norm > maxNorm {
		for _, g := range out {
			floats.Scale(maxNorm/norm, g)
		}
	}
	return out
}
