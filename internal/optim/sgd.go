package optim

import "github.com/23skdu/longbow-vqa/internal/numeric"

// sgdOptimizer is SGD with heavy-ball momentum and L2 weight decay:
//
//	d   = g + wd*p
//	buf = momentum*buf + d
//	p  -= lr*buf
type sgdOptimizer struct {
	params   []*numeric.Param
	lr       float64
	momentum float64
	decay    float64
	velocity [][]float64
	steps    uint64
}

func newSGD(params []*numeric.Param, cfg Config) *sgdOptimizer {
	return &sgdOptimizer{
		params:   params,
		lr:       cfg.LR,
		momentum: cfg.Momentum,
		decay:    cfg.WeightDecay,
		velocity: allocLike(params),
	}
}

func (o *sgdOptimizer) Kind() Kind { return SGD }

func (o *sgdOptimizer) Step() error {
	for i, p := range o.params {
		v := o.velocity[i]
		for j := range p.Data {
			d := p.Grad[j] + o.decay*p.Data[j]
			if o.momentum != 0 {
				v[j] = o.momentum*v[j] + d
				d = v[j]
			}
			p.Data[j] -= o.lr * d
		}
	}
	o.steps++
	return nil
}

func (o *sgdOptimizer) ZeroGrad() { zeroGrad(o.params) }

func (o *sgdOptimizer) LR() float64 { return o.lr }

func (o *sgdOptimizer) SetLR(lr float64) { o.lr = lr }

func (o *sgdOptimizer) StepCount() uint64 { return o.steps }

func (o *sgdOptimizer) State() State {
	return State{
		Kind:  SGD,
		Step:  o.steps,
		LR:    o.lr,
		Slots: snapshot("momentum", o.params, o.velocity),
	}
}

func (o *sgdOptimizer) LoadState(st State) error {
	if err := checkKind(SGD, st); err != nil {
		return err
	}
	if err := restore("momentum", o.params, o.velocity, st.Slots); err != nil {
		return err
	}
	o.steps = st.Step
	o.lr = st.LR
	return nil
}
