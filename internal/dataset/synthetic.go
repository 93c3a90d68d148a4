package dataset

import (
	"math/rand/v2"

	"github.com/23skdu/longbow-vqa/internal/batch"
)

// SyntheticConfig shapes a generated corpus. Each image has one dominant
// colour channel and an overall brightness; questions ask about either or
// both, so answers vary between one and two words plus EOS.
type SyntheticConfig struct {
	Train     int
	Val       int
	ImageSize int
	Seed      uint64
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{Train: 512, Val: 128, ImageSize: 4, Seed: 7}
}

var (
	colours   = []string{"red", "green", "blue"}
	questions = []string{
		"what color is the image",
		"is the image bright",
		"describe the image",
	}
)

// SyntheticVocab is the vocabulary every synthetic corpus is encoded with.
func SyntheticVocab() *Vocab {
	words := []string{"what", "color", "is", "the", "image", "describe", "yes", "no", "bright", "dark"}
	return NewVocab(append(words, colours...))
}

// Synthetic generates a deterministic corpus for seed.
func Synthetic(cfg SyntheticConfig) (*Memory, *Vocab) {
	vocab := SyntheticVocab()
	r := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	gen := func(n int) []batch.Sample {
		out := make([]batch.Sample, n)
		for i := range out {
			out[i] = syntheticSample(r, vocab, cfg.ImageSize)
		}
		return out
	}
	train := gen(cfg.Train)
	val := gen(cfg.Val)
	return NewMemory(train, val), vocab
}

func syntheticSample(r *rand.Rand, vocab *Vocab, size int) batch.Sample {
	const channels = 3
	dominant := r.IntN(channels)
	bright := r.IntN(2) == 1
	shift := -0.3
	if bright {
		shift = 0.3
	}

	plane := size * size
	data := make([]float64, channels*plane)
	for c := 0; c < channels; c++ {
		base := -0.5
		if c == dominant {
			base = 0.5
		}
		for p := 0; p < plane; p++ {
			data[c*plane+p] = base + shift + 0.1*r.NormFloat64()
		}
	}

	kind := r.IntN(len(questions))
	var answer string
	switch kind {
	case 0:
		answer = colours[dominant]
	case 1:
		answer = "no"
		if bright {
			answer = "yes"
		}
	default:
		answer = colours[dominant] + " dark"
		if bright {
			answer = colours[dominant] + " bright"
		}
	}

	return batch.Sample{
		Image:    batch.Image{C: channels, H: size, W: size, Data: data},
		Question: vocab.Encode(questions[kind], false),
		Answer:   vocab.Encode(answer, true),
	}
}
