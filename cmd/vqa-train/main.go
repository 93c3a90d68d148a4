package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"

	"github.com/23skdu/longbow-vqa/internal/config"
	"github.com/23skdu/longbow-vqa/internal/dataset"
	"github.com/23skdu/longbow-vqa/internal/logger"
	"github.com/23skdu/longbow-vqa/internal/metrics"
	"github.com/23skdu/longbow-vqa/internal/monitoring"
	"github.com/23skdu/longbow-vqa/internal/trainer"
)

func main() {
	cfg := config.Default()

	flag.Float64Var(&cfg.LR, "lr", cfg.LR, "Base learning rate")
	flag.IntVar(&cfg.LRStep, "lr-step", cfg.LRStep, "Epochs between learning-rate decays")
	flag.Float64Var(&cfg.LRDecayGamma, "lr-gamma", cfg.LRDecayGamma, "Learning-rate decay factor")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Samples per batch")
	flag.Float64Var(&cfg.ClipNorm, "clip", cfg.ClipNorm, "Maximum total gradient L2 norm")
	flag.IntVar(&cfg.PrintFreq, "print-freq", cfg.PrintFreq, "Log every N training batches")
	flag.IntVar(&cfg.EndEpoch, "end-epoch", cfg.EndEpoch, "Train until this epoch (exclusive)")
	flag.StringVar(&cfg.CheckpointPath, "checkpoint", "", "Resume from this checkpoint file")
	flag.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "Directory for latest and best snapshots")
	flag.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "Optimizer: sgd or adam")
	flag.Float64Var(&cfg.Momentum, "mom", cfg.Momentum, "SGD momentum")
	flag.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "L2 weight decay")
	flag.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for model init and shuffling")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Sample loading workers")
	flag.IntVar(&cfg.Prefetch, "prefetch", cfg.Prefetch, "Batches prefetched ahead of the trainer")
	flag.IntVar(&cfg.Patience, "patience", cfg.Patience, "Stop after N epochs without improvement (0 disables)")
	flag.IntVar(&cfg.EmbedSize, "embed-size", cfg.EmbedSize, "Question embedding width")
	flag.IntVar(&cfg.HiddenSize, "hidden-size", cfg.HiddenSize, "Hidden layer width")
	flag.IntVar(&cfg.MaxAnswerLen, "max-answer-len", cfg.MaxAnswerLen, "Longest answer the model emits, EOS included")
	flag.StringVar(&cfg.DataDir, "data", "", "Arrow dataset directory (synthetic corpus when empty)")
	flag.StringVar(&cfg.FlightAddr, "flight", "", "Arrow Flight dataset endpoint")
	flag.StringVar(&cfg.VocabPath, "vocab", "", "Vocabulary file (defaults to <data>/vocab.json)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "Address to serve /metrics, /health and /status")
	flag.StringVar(&cfg.MetricsTextfile, "metrics-textfile", "", "Write metrics in textfile format after each epoch")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	flag.Parse()

	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := run(cfg, log); err != nil {
		log.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Info("host",
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"workers", cfg.Workers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src := dataset.Source{
		Dir:        cfg.DataDir,
		FlightAddr: cfg.FlightAddr,
		VocabPath:  cfg.VocabPath,
		Synthetic:  dataset.DefaultSyntheticConfig(),
	}
	data, vocab, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open dataset %s: %w", src, err)
	}
	channels, err := dataset.Channels(data)
	if err != nil {
		return err
	}
	log.Info("dataset loaded",
		"source", src.String(),
		"train", len(data.Samples(dataset.Train)),
		"val", len(data.Samples(dataset.Val)),
		"vocab", vocab.Size(),
	)

	// a resumed run keeps the id stored in its checkpoint
	var runID string
	if !cfg.Resuming() {
		runID = uuid.NewString()
	}
	reg := metrics.NewRegistry()
	mt := metrics.New(reg)
	mon := monitoring.NewHealthMonitor(runID, reg, log)
	if cfg.MetricsAddr != "" {
		if err := mon.Start(cfg.MetricsAddr); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mon.Stop(shutdownCtx)
		}()
	}

	spec := trainer.ModelSpec(cfg, vocab.Size(), vocab.PadID(), channels)
	tr, err := trainer.New(cfg, data, spec, trainer.Options{
		Logger:   log,
		Metrics:  mt,
		Gatherer: reg,
		Monitor:  mon,
		RunID:    runID,
	})
	if err != nil {
		return err
	}
	log.Info("run", "run_id", tr.RunID(), "resumed", cfg.Resuming())

	report, err := tr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Warn("interrupted; resume with -checkpoint", "path", tr.Checkpoints().LatestPath(), "next_epoch", report.Final.Epoch)
		return nil
	}
	if err != nil {
		return err
	}
	if len(report.Unpersisted) > 0 {
		log.Warn("some epochs were never persisted", "epochs", report.Unpersisted)
	}
	log.Info("done",
		"best_score", report.Final.BestScore,
		"epochs_since_improvement", report.Final.EpochsSinceImprovement,
		"best_checkpoint", tr.Checkpoints().BestPath(),
	)
	return nil
}
