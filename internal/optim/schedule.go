package optim

import "math"

// StepLR decays the learning rate by Gamma every StepSize epochs. The rate
// is a pure function of the absolute epoch, so a resumed run picks up the
// same value an uninterrupted one would have.
type StepLR struct {
	StepSize int
	Gamma    float64
}

func NewStepLR(stepSize int, gamma float64) StepLR {
	return StepLR{StepSize: stepSize, Gamma: gamma}
}

// LR returns the rate for epoch. StepSize <= 0 keeps base constant.
func (s StepLR) LR(epoch int, base float64) float64 {
	if s.StepSize <= 0 {
		return base
	}
	return base * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}
