package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/numeric"
	"gonum.org/v1/gonum/mat"
)

// Baseline encodes the image as per-channel means and the question as the
// mean of its token embeddings, mixes both through one tanh layer and reads
// every answer step out of that hidden state plus a learned per-step bias.
//
//	x      = [pool(image); mean(embed[q])]
//	h      = tanh(W1 x + b1)
//	y[t]   = Wout h + pos[t]
type Baseline struct {
	spec     Spec
	training bool

	embed *numeric.Param // [V, E]
	w1    *numeric.Param // [H, C+E]
	b1    *numeric.Param // [H]
	wout  *numeric.Param // [V, H]
	pos   *numeric.Param // [MaxAnswerLen, V]

	// dense views over the parameter slices
	w1m, woutm   *mat.Dense
	dw1m, dwoutm *mat.Dense

	cache []rowCache
	steps int
}

type rowCache struct {
	x      *mat.VecDense
	h      *mat.VecDense
	tokens []int
}

func NewBaseline(spec Spec, seed uint64) (*Baseline, error) {
	spec.Arch = ArchBaseline
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	in := spec.Channels + spec.EmbedSize
	m := &Baseline{
		spec:  spec,
		embed: numeric.NewParam("embed", spec.VocabSize, spec.EmbedSize),
		w1:    numeric.NewParam("w1", spec.HiddenSize, in),
		b1:    numeric.NewParam("b1", spec.HiddenSize),
		wout:  numeric.NewParam("wout", spec.VocabSize, spec.HiddenSize),
		pos:   numeric.NewParam("pos", spec.MaxAnswerLen, spec.VocabSize),
	}

	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range m.embed.Data {
		m.embed.Data[i] = 0.1 * r.NormFloat64()
	}
	uniform(r, m.w1.Data, 1/math.Sqrt(float64(in)))
	uniform(r, m.wout.Data, 1/math.Sqrt(float64(spec.HiddenSize)))

	m.w1m = mat.NewDense(spec.HiddenSize, in, m.w1.Data)
	m.dw1m = mat.NewDense(spec.HiddenSize, in, m.w1.Grad)
	m.woutm = mat.NewDense(spec.VocabSize, spec.HiddenSize, m.wout.Data)
	m.dwoutm = mat.NewDense(spec.VocabSize, spec.HiddenSize, m.wout.Grad)
	return m, nil
}

func uniform(r *rand.Rand, data []float64, bound float64) {
	for i := range data {
		data[i] = (2*r.Float64() - 1) * bound
	}
}

func (m *Baseline) Spec() Spec { return m.spec }

func (m *Baseline) SetTraining(training bool) {
	m.training = training
	if !training {
		m.cache = nil
	}
}

func (m *Baseline) Parameters() []*numeric.Param {
	return []*numeric.Param{m.embed, m.w1, m.b1, m.wout, m.pos}
}

func (m *Baseline) Forward(images batch.Images, questions [][]int, maxAnswerLen int) (*numeric.Logits, error) {
	if images.N != len(questions) {
		return nil, fmt.Errorf("%w: %d images for %d questions", batch.ErrShapeMismatch, images.N, len(questions))
	}
	if images.C != m.spec.Channels {
		return nil, fmt.Errorf("%w: image has %d channels, model expects %d", batch.ErrShapeMismatch, images.C, m.spec.Channels)
	}
	if maxAnswerLen < 0 || maxAnswerLen > m.spec.MaxAnswerLen {
		return nil, fmt.Errorf("%w: answer length %d outside [0, %d]", batch.ErrShapeMismatch, maxAnswerLen, m.spec.MaxAnswerLen)
	}

	C, E, V := m.spec.Channels, m.spec.EmbedSize, m.spec.VocabSize
	out := numeric.NewLogits(images.N, maxAnswerLen, V)
	var cache []rowCache
	if m.training {
		cache = make([]rowCache, images.N)
	}

	plane := images.H * images.W
	y := mat.NewVecDense(V, nil)
	for b := 0; b < images.N; b++ {
		x := mat.NewVecDense(C+E, nil)
		img := images.At(b)
		for c := 0; c < C; c++ {
			sum := 0.0
			for _, v := range img[c*plane : (c+1)*plane] {
				sum += v
			}
			if plane > 0 {
				x.SetVec(c, sum/float64(plane))
			}
		}

		tokens := make([]int, 0, len(questions[b]))
		for _, id := range questions[b] {
			if id == m.spec.PadID {
				continue
			}
			if id < 0 || id >= V {
				return nil, fmt.Errorf("%w: question token %d outside vocab of %d", batch.ErrShapeMismatch, id, V)
			}
			tokens = append(tokens, id)
		}
		if n := len(tokens); n > 0 {
			for _, id := range tokens {
				row := m.embed.Data[id*E : (id+1)*E]
				for e, v := range row {
					x.SetVec(C+e, x.AtVec(C+e)+v/float64(n))
				}
			}
		}

		h := mat.NewVecDense(m.spec.HiddenSize, nil)
		h.MulVec(m.w1m, x)
		for i := 0; i < h.Len(); i++ {
			h.SetVec(i, math.Tanh(h.AtVec(i)+m.b1.Data[i]))
		}
		y.MulVec(m.woutm, h)

		for t := 0; t < maxAnswerLen; t++ {
			row := out.Row(b, t)
			bias := m.pos.Data[t*V : (t+1)*V]
			for v := range row {
				row[v] = y.AtVec(v) + bias[v]
			}
		}
		if m.training {
			cache[b] = rowCache{x: x, h: h, tokens: tokens}
		}
	}
	m.cache = cache
	m.steps = maxAnswerLen
	return out, nil
}

func (m *Baseline) Backward(grad *numeric.Logits) error {
	if !m.training {
		return ErrNotTraining
	}
	if grad == nil || grad.B != len(m.cache) || grad.T != m.steps || grad.V != m.spec.VocabSize {
		return fmt.Errorf("%w: gradient does not match the last forward pass", batch.ErrShapeMismatch)
	}

	C, E, V, H := m.spec.Channels, m.spec.EmbedSize, m.spec.VocabSize, m.spec.HiddenSize
	s := mat.NewVecDense(V, nil)
	dh := mat.NewVecDense(H, nil)
	dx := mat.NewVecDense(C+E, nil)
	for b, rc := range m.cache {
		s.Zero()
		for t := 0; t < grad.T; t++ {
			g := grad.Row(b, t)
			dpos := m.pos.Grad[t*V : (t+1)*V]
			for v, gv := range g {
				dpos[v] += gv
				s.SetVec(v, s.AtVec(v)+gv)
			}
		}

		m.dwoutm.RankOne(m.dwoutm, 1, s, rc.h)
		dh.MulVec(m.woutm.T(), s)
		for i := 0; i < H; i++ {
			hv := rc.h.AtVec(i)
			dh.SetVec(i, dh.AtVec(i)*(1-hv*hv))
			m.b1.Grad[i] += dh.AtVec(i)
		}
		m.dw1m.RankOne(m.dw1m, 1, dh, rc.x)

		if n := len(rc.tokens); n > 0 {
			dx.MulVec(m.w1m.T(), dh)
			for _, id := range rc.tokens {
				row := m.embed.Grad[id*E : (id+1)*E]
				for e := range row {
					row[e] += dx.AtVec(C+e) / float64(n)
				}
			}
		}
	}
	return nil
}
