package main

import (
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-vqa/internal/checkpoint"
	"github.com/23skdu/longbow-vqa/internal/config"
	"github.com/23skdu/longbow-vqa/internal/dataset"
	"github.com/23skdu/longbow-vqa/internal/logger"
)

func TestRunFromArrowDir(t *testing.T) {
	dataDir := t.TempDir()
	mem, vocab := dataset.Synthetic(dataset.SyntheticConfig{Train: 16, Val: 8, ImageSize: 2, Seed: 5})
	if err := dataset.WriteArrowDir(dataDir, mem); err != nil {
		t.Fatal(err)
	}
	if err := vocab.Save(filepath.Join(dataDir, dataset.VocabFile)); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.CheckpointDir = t.TempDir()
	cfg.EndEpoch = 2
	cfg.BatchSize = 4
	cfg.EmbedSize = 4
	cfg.HiddenSize = 8
	cfg.MaxAnswerLen = 3
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "vqa.prom")

	if err := run(cfg, logger.Nop()); err != nil {
		t.Fatalf("run: %v", err)
	}
	st, err := checkpoint.Load(filepath.Join(cfg.CheckpointDir, checkpoint.LatestName))
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if st.Epoch != 1 || st.RunID == "" {
		t.Errorf("checkpoint epoch %d run id %q", st.Epoch, st.RunID)
	}

	resume := cfg
	resume.CheckpointPath = filepath.Join(cfg.CheckpointDir, checkpoint.LatestName)
	resume.EndEpoch = 3
	if err := run(resume, logger.Nop()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	st, err = checkpoint.Load(resume.CheckpointPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Epoch != 2 {
		t.Errorf("resumed checkpoint epoch = %d, want 2", st.Epoch)
	}
}

func TestResumeKeepsRunID(t *testing.T) {
	cfg := config.Default()
	cfg.CheckpointDir = t.TempDir()
	cfg.EndEpoch = 1
	cfg.BatchSize = 64
	cfg.EmbedSize = 4
	cfg.HiddenSize = 8
	cfg.MaxAnswerLen = 3

	if err := run(cfg, logger.Nop()); err != nil {
		t.Fatalf("run: %v", err)
	}
	latest := filepath.Join(cfg.CheckpointDir, checkpoint.LatestName)
	first, err := checkpoint.Load(latest)
	if err != nil {
		t.Fatal(err)
	}

	resume := cfg
	resume.CheckpointPath = latest
	resume.EndEpoch = 2
	if err := run(resume, logger.Nop()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, err := checkpoint.Load(latest)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Epoch != 1 {
		t.Fatalf("resumed checkpoint epoch = %d, want 1", resumed.Epoch)
	}
	if first.RunID == "" || resumed.RunID != first.RunID {
		t.Errorf("run id changed on resume: first %q resumed %q", first.RunID, resumed.RunID)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 0
	if err := run(cfg, logger.Nop()); err == nil {
		t.Fatal("expected configuration error")
	}
}
