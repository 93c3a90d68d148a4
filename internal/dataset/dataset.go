// Package dataset provides the sample sources the trainer reads from: an
// in-memory split store, Arrow IPC files on disk and an Arrow Flight
// endpoint, plus the token vocabulary.
package dataset

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-vqa/internal/batch"
)

// Split selects which partition of the corpus a Dataset yields.
type Split int

const (
	Train Split = iota
	Val
)

func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Val:
		return "val"
	default:
		return fmt.Sprintf("split(%d)", int(s))
	}
}

func ParseSplit(s string) (Split, error) {
	switch strings.ToLower(s) {
	case "train":
		return Train, nil
	case "val", "valid", "validation":
		return Val, nil
	default:
		return 0, fmt.Errorf("unknown split %q", s)
	}
}

// Dataset yields samples of the active split. Samples must carry answers
// terminated by the vocabulary's EOS id.
type Dataset interface {
	SetMode(split Split) error
	Mode() Split
	Len() int
	Sample(i int) (batch.Sample, error)
}

// Memory holds both splits fully in memory.
type Memory struct {
	splits map[Split][]batch.Sample
	mode   Split
}

// NewMemory builds a dataset from pre-loaded splits. Sample.Index is
// rewritten to the position within its split.
func NewMemory(train, val []batch.Sample) *Memory {
	return &Memory{
		splits: map[Split][]batch.Sample{
			Train: reindex(train),
			Val:   reindex(val),
		},
		mode: Train,
	}
}

func reindex(samples []batch.Sample) []batch.Sample {
	out := make([]batch.Sample, len(samples))
	for i, s := range samples {
		s.Index = i
		out[i] = s
	}
	return out
}

func (m *Memory) SetMode(split Split) error {
	if _, ok := m.splits[split]; !ok {
		return fmt.Errorf("unknown split: %s", split)
	}
	m.mode = split
	return nil
}

func (m *Memory) Mode() Split {
	return m.mode
}

func (m *Memory) Len() int {
	return len(m.splits[m.mode])
}

func (m *Memory) Sample(i int) (batch.Sample, error) {
	samples := m.splits[m.mode]
	if i < 0 || i >= len(samples) {
		return batch.Sample{}, fmt.Errorf("sample %d out of range for %s split of %d", i, m.mode, len(samples))
	}
	return samples[i], nil
}

// Samples returns the split's samples without switching mode.
func (m *Memory) Samples(split Split) []batch.Sample {
	return m.splits[split]
}
