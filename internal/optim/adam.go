package optim

import (
	"math"

	"github.com/23skdu/longbow-vqa/internal/numeric"
)

// adamOptimizer is Adam with bias correction and L2 weight decay folded
// into the gradient.
type adamOptimizer struct {
	params []*numeric.Param
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	decay  float64
	m      [][]float64
	v      [][]float64
	steps  uint64
}

func newAdam(params []*numeric.Param, cfg Config) *adamOptimizer {
	return &adamOptimizer{
		params: params,
		lr:     cfg.LR,
		beta1:  cfg.Beta1,
		beta2:  cfg.Beta2,
		eps:    cfg.Eps,
		decay:  cfg.WeightDecay,
		m:      allocLike(params),
		v:      allocLike(params),
	}
}

func (o *adamOptimizer) Kind() Kind { return Adam }

func (o *adamOptimizer) Step() error {
	o.steps++
	t := float64(o.steps)
	bc1 := 1 - math.Pow(o.beta1, t)
	bc2 := 1 - math.Pow(o.beta2, t)
	stepSize := o.lr / bc1
	sqrtBC2 := math.Sqrt(bc2)

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j := range p.Data {
			g := p.Grad[j] + o.decay*p.Data[j]
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			denom := math.Sqrt(v[j])/sqrtBC2 + o.eps
			p.Data[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

func (o *adamOptimizer) ZeroGrad() { zeroGrad(o.params) }

func (o *adamOptimizer) LR() float64 { return o.lr }

func (o *adamOptimizer) SetLR(lr float64) { o.lr = lr }

func (o *adamOptimizer) StepCount() uint64 { return o.steps }

func (o *adamOptimizer) State() State {
	slots := snapshot("exp_avg", o.params, o.m)
	slots = append(slots, snapshot("exp_avg_sq", o.params, o.v)...)
	return State{Kind: Adam, Step: o.steps, LR: o.lr, Slots: slots}
}

func (o *adamOptimizer) LoadState(st State) error {
	if err := checkKind(Adam, st); err != nil {
		return err
	}
	if err := restore("exp_avg", o.params, o.m, st.Slots); err != nil {
		return err
	}
	if err := restore("exp_avg_sq", o.params, o.v, st.Slots); err != nil {
		return err
	}
	o.steps = st.Step
	o.lr = st.LR
	return nil
}
