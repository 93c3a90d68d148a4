package dataset

import (
	"context"
	"fmt"
	"path/filepath"
)

// VocabFile is the vocabulary file name stored next to a dataset directory.
const VocabFile = "vocab.json"

// Source selects where a corpus is read from: an Arrow directory, a Flight
// endpoint, or (when both are empty) the synthetic generator.
type Source struct {
	Dir        string
	FlightAddr string
	// VocabPath overrides Dir/vocab.json. Required with FlightAddr.
	VocabPath string
	Synthetic SyntheticConfig
}

func (s Source) String() string {
	switch {
	case s.Dir != "":
		return "arrow:" + s.Dir
	case s.FlightAddr != "":
		return "flight:" + s.FlightAddr
	default:
		return "synthetic"
	}
}

// Open loads both splits and the vocabulary.
func (s Source) Open(ctx context.Context) (*Memory, *Vocab, error) {
	if s.Dir != "" && s.FlightAddr != "" {
		return nil, nil, fmt.Errorf("dataset dir and flight address are mutually exclusive")
	}
	if s.Dir == "" && s.FlightAddr == "" {
		mem, vocab := Synthetic(s.Synthetic)
		if s.VocabPath != "" {
			v, err := LoadVocab(s.VocabPath)
			if err != nil {
				return nil, nil, err
			}
			vocab = v
		}
		return mem, vocab, nil
	}

	vocabPath := s.VocabPath
	if vocabPath == "" {
		if s.Dir == "" {
			return nil, nil, fmt.Errorf("a vocabulary path is required with a flight source")
		}
		vocabPath = filepath.Join(s.Dir, VocabFile)
	}
	vocab, err := LoadVocab(vocabPath)
	if err != nil {
		return nil, nil, err
	}

	if s.Dir != "" {
		mem, err := OpenArrowDir(s.Dir)
		if err != nil {
			return nil, nil, err
		}
		return mem, vocab, nil
	}

	fc := NewFlightClient(s.FlightAddr)
	if err := fc.Connect(); err != nil {
		return nil, nil, err
	}
	defer func() { _ = fc.Close() }()
	mem, err := fc.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	return mem, vocab, nil
}

// Channels reports the image channel count of the training split.
func Channels(m *Memory) (int, error) {
	train := m.Samples(Train)
	if len(train) == 0 {
		return 0, fmt.Errorf("training split is empty")
	}
	return train[0].Image.C, nil
}
