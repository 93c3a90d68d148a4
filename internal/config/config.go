package config

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

type Config struct {
	LR           float64
	LRStep       int
	LRDecayGamma float64
	BatchSize    int
	ClipNorm     float64
	PrintFreq    int
	EndEpoch     int

	// CheckpointPath resumes from an existing snapshot when set.
	CheckpointPath string
	CheckpointDir  string

	Optimizer   string
	Momentum    float64
	WeightDecay float64

	Seed     uint64
	Workers  int
	Prefetch int
	Patience int

	EmbedSize    int
	HiddenSize   int
	MaxAnswerLen int

	DataDir    string
	FlightAddr string
	VocabPath  string

	MetricsAddr     string
	MetricsTextfile string
	LogLevel        string
	LogFormat       string
}

func (c *Config) Validate() error {
	if c.LR <= 0 {
		return fmt.Errorf("invalid lr: %v (must be positive)", c.LR)
	}
	if c.LRStep <= 0 {
		return fmt.Errorf("invalid lr_step: %d (must be positive)", c.LRStep)
	}
	if c.LRDecayGamma <= 0 || c.LRDecayGamma > 1 {
		return fmt.Errorf("invalid lr_decay_gamma: %v (must be in (0, 1])", c.LRDecayGamma)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.ClipNorm <= 0 {
		return fmt.Errorf("invalid clip_norm: %v (must be positive)", c.ClipNorm)
	}
	if c.PrintFreq <= 0 {
		return fmt.Errorf("invalid print_freq: %d (must be positive)", c.PrintFreq)
	}
	if c.EndEpoch < 0 {
		return fmt.Errorf("invalid end_epoch: %d (must be non-negative)", c.EndEpoch)
	}
	switch c.OptimizerName() {
	case "sgd", "adam":
	default:
		return fmt.Errorf("invalid optimizer: %q (must be sgd or adam)", c.Optimizer)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("invalid momentum: %v (must be in [0, 1))", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("invalid weight_decay: %v (must be non-negative)", c.WeightDecay)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", c.Workers)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("invalid prefetch: %d (must be non-negative)", c.Prefetch)
	}
	if c.Patience < 0 {
		return fmt.Errorf("invalid patience: %d (must be non-negative)", c.Patience)
	}
	if c.EmbedSize <= 0 {
		return fmt.Errorf("invalid embed_size: %d (must be positive)", c.EmbedSize)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.MaxAnswerLen <= 0 {
		return fmt.Errorf("invalid max_answer_len: %d (must be positive)", c.MaxAnswerLen)
	}
	if c.DataDir != "" && c.FlightAddr != "" {
		return fmt.Errorf("data_dir and flight_addr are mutually exclusive")
	}
	return nil
}

func (c *Config) OptimizerName() string {
	return strings.ToLower(c.Optimizer)
}

// Resuming reports whether a previous snapshot should be restored.
func (c *Config) Resuming() bool {
	return c.CheckpointPath != ""
}

// DefaultWorkers sizes the loader pool from the physical core count.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

func Default() Config {
	return Config{
		LR:            1e-3,
		LRStep:        8,
		LRDecayGamma:  0.5,
		BatchSize:     32,
		ClipNorm:      5.0,
		PrintFreq:     100,
		EndEpoch:      20,
		CheckpointDir: "checkpoints",
		Optimizer:     "adam",
		Momentum:      0.9,
		Seed:          7,
		Workers:       DefaultWorkers(),
		Prefetch:      2,
		EmbedSize:     32,
		HiddenSize:    64,
		MaxAnswerLen:  8,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}
