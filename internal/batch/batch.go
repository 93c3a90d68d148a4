// Package batch collates variable-length question/answer samples into padded
// batches with an answer validity mask.
package batch

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch marks input that violates the collation contract: images
// of different sizes, inconsistent per-sample counts or negative token ids.
var ErrShapeMismatch = errors.New("batch shape mismatch")

// Image is a single CHW image.
type Image struct {
	C, H, W int
	Data    []float64
}

// Sample is one (image, question, answer) triple. Index is the dataset
// position and is carried through so predictions can be correlated back.
type Sample struct {
	Index    int
	Image    Image
	Question []int
	Answer   []int
}

// Images is a stacked [N, C, H, W] tensor.
type Images struct {
	N, C, H, W int
	Data       []float64
}

// At returns the n-th image. The slice aliases Data.
func (im Images) At(n int) []float64 {
	sz := im.C * im.H * im.W
	return im.Data[n*sz : (n+1)*sz]
}

// Batch is the collated form of a set of samples. Questions and Answers are
// right-padded to a common length; Mask[b][t] is true exactly when t is inside
// the original answer length of row b.
type Batch struct {
	Indices      []int
	Images       Images
	Questions    [][]int
	Answers      [][]int
	Mask         [][]bool
	QuestionLens []int
	AnswerLens   []int
	PadID        int
}

func (b *Batch) Size() int {
	return len(b.Answers)
}

// AnswerLen is the padded answer length (Amax).
func (b *Batch) AnswerLen() int {
	if len(b.Answers) == 0 {
		return 0
	}
	return len(b.Answers[0])
}

// ValidTokens counts the unmasked answer positions.
func (b *Batch) ValidTokens() int {
	n := 0
	for _, l := range b.AnswerLens {
		n += l
	}
	return n
}

// Validate checks that every per-sample view of the batch agrees on B and
// that padded rows share a width.
func (b *Batch) Validate() error {
	n := len(b.Answers)
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	if b.Images.N != n || len(b.Questions) != n || len(b.Mask) != n ||
		len(b.QuestionLens) != n || len(b.AnswerLens) != n {
		return fmt.Errorf("%w: images=%d questions=%d answers=%d mask=%d",
			ErrShapeMismatch, b.Images.N, len(b.Questions), n, len(b.Mask))
	}
	if len(b.Images.Data) != b.Images.N*b.Images.C*b.Images.H*b.Images.W {
		return fmt.Errorf("%w: image data length %d does not match [%d,%d,%d,%d]",
			ErrShapeMismatch, len(b.Images.Data), b.Images.N, b.Images.C, b.Images.H, b.Images.W)
	}
	amax := len(b.Answers[0])
	qmax := len(b.Questions[0])
	for i := 0; i < n; i++ {
		if len(b.Answers[i]) != amax || len(b.Mask[i]) != amax {
			return fmt.Errorf("%w: answer row %d has width %d, want %d", ErrShapeMismatch, i, len(b.Answers[i]), amax)
		}
		if len(b.Questions[i]) != qmax {
			return fmt.Errorf("%w: question row %d has width %d, want %d", ErrShapeMismatch, i, len(b.Questions[i]), qmax)
		}
		if b.AnswerLens[i] > amax || b.QuestionLens[i] > qmax {
			return fmt.Errorf("%w: row %d lengths exceed padded width", ErrShapeMismatch, i)
		}
	}
	return nil
}

// Batcher collates samples. PadID must not collide with any real token id;
// the mask never depends on it.
type Batcher struct {
	PadID int
}

func New(padID int) *Batcher {
	return &Batcher{PadID: padID}
}

// Collate stacks images and pads questions and answers to the longest
// sequence in the set. Output rows keep input order.
func (bt *Batcher) Collate(samples []Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrShapeMismatch)
	}

	first := samples[0].Image
	imgSize := first.C * first.H * first.W
	qmax, amax := 0, 0
	for i, s := range samples {
		im := s.Image
		if im.C != first.C || im.H != first.H || im.W != first.W {
			return nil, fmt.Errorf("%w: sample %d image is [%d,%d,%d], want [%d,%d,%d]",
				ErrShapeMismatch, i, im.C, im.H, im.W, first.C, first.H, first.W)
		}
		if len(im.Data) != imgSize {
			return nil, fmt.Errorf("%w: sample %d image has %d values, want %d", ErrShapeMismatch, i, len(im.Data), imgSize)
		}
		if err := checkTokens(s.Question); err != nil {
			return nil, fmt.Errorf("sample %d question: %w", i, err)
		}
		if err := checkTokens(s.Answer); err != nil {
			return nil, fmt.Errorf("sample %d answer: %w", i, err)
		}
		qmax = max(qmax, len(s.Question))
		amax = max(amax, len(s.Answer))
	}

	n := len(samples)
	b := &Batch{
		Indices:      make([]int, n),
		Images:       Images{N: n, C: first.C, H: first.H, W: first.W, Data: make([]float64, 0, n*imgSize)},
		Questions:    make([][]int, n),
		Answers:      make([][]int, n),
		Mask:         make([][]bool, n),
		QuestionLens: make([]int, n),
		AnswerLens:   make([]int, n),
		PadID:        bt.PadID,
	}
	for i, s := range samples {
		b.Indices[i] = s.Index
		b.Images.Data = append(b.Images.Data, s.Image.Data...)
		b.Questions[i] = bt.pad(s.Question, qmax)
		b.Answers[i] = bt.pad(s.Answer, amax)
		b.Mask[i] = lengthMask(len(s.Answer), amax)
		b.QuestionLens[i] = len(s.Question)
		b.AnswerLens[i] = len(s.Answer)
	}
	return b, nil
}

// WithAnswerLen returns a copy of b whose answers (and mask) are padded out to
// n positions. The extra positions are all padding.
func (bt *Batcher) WithAnswerLen(b *Batch, n int) (*Batch, error) {
	if n < b.AnswerLen() {
		return nil, fmt.Errorf("%w: cannot shrink answers from %d to %d", ErrShapeMismatch, b.AnswerLen(), n)
	}
	out := *b
	out.Answers = make([][]int, len(b.Answers))
	out.Mask = make([][]bool, len(b.Mask))
	for i := range b.Answers {
		out.Answers[i] = bt.pad(b.Answers[i][:b.AnswerLens[i]], n)
		out.Mask[i] = lengthMask(b.AnswerLens[i], n)
	}
	return &out, nil
}

func (bt *Batcher) pad(seq []int, n int) []int {
	row := make([]int, n)
	copy(row, seq)
	for t := len(seq); t < n; t++ {
		row[t] = bt.PadID
	}
	return row
}

func lengthMask(length, n int) []bool {
	m := make([]bool, n)
	for t := 0; t < length; t++ {
		m[t] = true
	}
	return m
}

func checkTokens(seq []int) error {
	for t, id := range seq {
		if id < 0 {
			return fmt.Errorf("%w: negative token id %d at position %d", ErrShapeMismatch, id, t)
		}
	}
	return nil
}
