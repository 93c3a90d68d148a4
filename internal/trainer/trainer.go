// Package trainer runs epochs over a dataset and coordinates plateau
// tracking, learning-rate decay and checkpointing across a training run.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/checkpoint"
	"github.com/23skdu/longbow-vqa/internal/config"
	"github.com/23skdu/longbow-vqa/internal/dataset"
	"github.com/23skdu/longbow-vqa/internal/loader"
	"github.com/23skdu/longbow-vqa/internal/logger"
	"github.com/23skdu/longbow-vqa/internal/metrics"
	"github.com/23skdu/longbow-vqa/internal/model"
	"github.com/23skdu/longbow-vqa/internal/monitoring"
	"github.com/23skdu/longbow-vqa/internal/optim"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseRunning
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return monitoring.StateInit
	case PhaseRunning:
		return monitoring.StateRunning
	case PhaseDone:
		return monitoring.StateDone
	case PhaseFailed:
		return monitoring.StateFailed
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TrainingState is the scalar bookkeeping of a run. Epoch is the next epoch
// to execute; model and optimizer state live in the Trainer.
type TrainingState struct {
	Epoch int
	Plateau
}

// Plateau tracks the best validation score and how many epochs have passed
// without strictly beating it.
type Plateau struct {
	BestScore              float64
	EpochsSinceImprovement int
}

// Observe folds in one validation score and reports whether it improved.
func (p *Plateau) Observe(score float64) bool {
	if score > p.BestScore {
		p.BestScore = score
		p.EpochsSinceImprovement = 0
		return true
	}
	p.EpochsSinceImprovement++
	return false
}

// EpochReport is one finished epoch.
type EpochReport struct {
	Epoch  int
	LR     float64
	Train  EpochResult
	Val    EpochResult
	IsBest bool
	// Persisted reports the latest snapshot was written; BestPersisted that
	// the best snapshot was, which only happens when IsBest.
	Persisted     bool
	BestPersisted bool
	Plateau       Plateau
	Duration      time.Duration
}

// Report is what Run returns, including partial progress on error.
// Unpersisted lists epochs with no latest snapshot, which a crash would
// lose. BestUnpersisted lists improving epochs whose best snapshot failed
// while the latest one still holds them.
type Report struct {
	RunID           string
	StartEpoch      int
	Epochs          []EpochReport
	Final           TrainingState
	Unpersisted     []int
	BestUnpersisted []int
	EarlyStopped    bool
}

// Options carries the ambient collaborators. Every field is optional.
type Options struct {
	Logger   *logger.Logger
	Metrics  *metrics.Training
	Gatherer prometheus.Gatherer
	Monitor  *monitoring.HealthMonitor
	RunID    string
}

type Trainer struct {
	cfg      config.Config
	model    model.Model
	opt      optim.Optimizer
	runner   *Runner
	ckpt     *checkpoint.Manager
	schedule optim.StepLR
	state    TrainingState
	phase    Phase
	runID    string

	log      *logger.Logger
	metrics  *metrics.Training
	gatherer prometheus.Gatherer
	monitor  *monitoring.HealthMonitor
}

// ModelSpec derives the baseline architecture from config and vocabulary.
func ModelSpec(cfg config.Config, vocabSize, padID, channels int) model.Spec {
	return model.Spec{
		Arch:         model.ArchBaseline,
		VocabSize:    vocabSize,
		PadID:        padID,
		Channels:     channels,
		EmbedSize:    cfg.EmbedSize,
		HiddenSize:   cfg.HiddenSize,
		MaxAnswerLen: cfg.MaxAnswerLen,
	}
}

// OptimConfig maps training config onto optimizer hyper-parameters.
func OptimConfig(cfg config.Config) optim.Config {
	oc := optim.DefaultConfig()
	oc.LR = cfg.LR
	oc.Momentum = cfg.Momentum
	oc.WeightDecay = cfg.WeightDecay
	return oc
}

// New performs the INIT step: it either builds a fresh model and optimizer
// from spec and the configured seed, or restores both from
// cfg.CheckpointPath and resumes at the epoch after the stored one.
func New(cfg config.Config, ds dataset.Dataset, spec model.Spec, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	t := &Trainer{
		cfg:      cfg,
		ckpt:     checkpoint.NewManager(cfg.CheckpointDir),
		schedule: optim.NewStepLR(cfg.LRStep, cfg.LRDecayGamma),
		phase:    PhaseInit,
		runID:    opts.RunID,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		monitor:  opts.Monitor,
	}

	if cfg.Resuming() {
		if err := t.restore(spec); err != nil {
			return nil, err
		}
	} else if err := t.fresh(spec); err != nil {
		return nil, err
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}
	t.log = t.log.With("run_id", t.runID)
	t.monitor.SetRunID(t.runID)

	ld, err := loader.New(ds, batch.New(t.model.Spec().PadID), loader.Config{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Prefetch:  cfg.Prefetch,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	t.runner = NewRunner(t.model, t.opt, ld, cfg.ClipNorm, cfg.PrintFreq, t.log, t.metrics)
	t.metrics.RecordPlateau(t.state.BestScore, t.state.EpochsSinceImprovement)
	return t, nil
}

func (t *Trainer) fresh(spec model.Spec) error {
	kind, err := optim.ParseKind(t.cfg.OptimizerName())
	if err != nil {
		return err
	}
	m, err := model.FromSpec(spec, t.cfg.Seed)
	if err != nil {
		return err
	}
	opt, err := optim.New(kind, m.Parameters(), OptimConfig(t.cfg))
	if err != nil {
		return err
	}
	t.model, t.opt = m, opt
	t.state = TrainingState{}
	t.log.Info("initialized fresh training state", "optimizer", kind.String(), "seed", t.cfg.Seed)
	return nil
}

func (t *Trainer) restore(spec model.Spec) error {
	st, err := checkpoint.Load(t.cfg.CheckpointPath)
	if err != nil {
		return classify(err)
	}
	if st.Model.VocabSize != spec.VocabSize || st.Model.PadID != spec.PadID || st.Model.Channels != spec.Channels {
		return fmt.Errorf("%w: checkpoint model %+v incompatible with data (vocab %d, pad %d, channels %d)",
			ErrPrecondition, st.Model, spec.VocabSize, spec.PadID, spec.Channels)
	}
	m, err := model.FromSpec(st.Model, t.cfg.Seed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if kind := t.cfg.OptimizerName(); kind != st.Optimizer.Kind.String() {
		t.log.Warn("optimizer from checkpoint overrides config", "config", kind, "checkpoint", st.Optimizer.Kind.String())
	}
	opt, err := optim.New(st.Optimizer.Kind, m.Parameters(), OptimConfig(t.cfg))
	if err != nil {
		return err
	}
	if err := st.Restore(m, opt); err != nil {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}

	t.model, t.opt = m, opt
	t.state = TrainingState{
		Epoch: st.Epoch + 1,
		Plateau: Plateau{
			BestScore:              st.BestScore,
			EpochsSinceImprovement: st.EpochsSinceImprovement,
		},
	}
	if t.runID == "" {
		t.runID = st.RunID
	}
	t.log.Info("resumed from checkpoint",
		"path", t.cfg.CheckpointPath,
		"epoch", t.state.Epoch,
		"best_score", t.state.BestScore,
		"epochs_since_improvement", t.state.EpochsSinceImprovement,
	)
	return nil
}

func (t *Trainer) State() TrainingState             { return t.state }
func (t *Trainer) Phase() Phase                     { return t.phase }
func (t *Trainer) Model() model.Model               { return t.model }
func (t *Trainer) Optimizer() optim.Optimizer       { return t.opt }
func (t *Trainer) RunID() string                    { return t.runID }
func (t *Trainer) Checkpoints() *checkpoint.Manager { return t.ckpt }

// Run executes epochs from the current state up to cfg.EndEpoch
// (exclusive). Cancellation is honoured only between epochs; an epoch in
// flight always completes and is checkpointed.
func (t *Trainer) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: t.runID, StartEpoch: t.state.Epoch}
	t.phase = PhaseRunning
	t.monitor.SetState(t.phase.String(), t.cfg.EndEpoch)
	t.log.Info("training started", "start_epoch", t.state.Epoch, "end_epoch", t.cfg.EndEpoch)

	for t.state.Epoch < t.cfg.EndEpoch {
		if err := ctx.Err(); err != nil {
			t.log.Warn("training interrupted at epoch boundary", "next_epoch", t.state.Epoch)
			report.Final = t.state
			return report, err
		}

		er, err := t.RunEpoch(context.WithoutCancel(ctx))
		if err != nil {
			t.phase = PhaseFailed
			t.monitor.Fail(err)
			t.log.Error("training aborted", "epoch", t.state.Epoch, "error", err)
			report.Final = t.state
			return report, err
		}
		report.Epochs = append(report.Epochs, *er)
		if !er.Persisted {
			report.Unpersisted = append(report.Unpersisted, er.Epoch)
		} else if er.IsBest && !er.BestPersisted {
			report.BestUnpersisted = append(report.BestUnpersisted, er.Epoch)
		}

		if t.cfg.Patience > 0 && t.state.EpochsSinceImprovement >= t.cfg.Patience {
			t.log.Info("early stop", "epoch", er.Epoch, "epochs_since_improvement", t.state.EpochsSinceImprovement)
			report.EarlyStopped = true
			break
		}
	}

	t.phase = PhaseDone
	t.monitor.SetState(t.phase.String(), t.cfg.EndEpoch)
	report.Final = t.state
	t.log.Info("training finished",
		"epochs", len(report.Epochs),
		"best_score", t.state.BestScore,
		"unpersisted", len(report.Unpersisted),
		"best_unpersisted", len(report.BestUnpersisted),
	)
	return report, nil
}

// RunEpoch performs one full epoch: schedule, train, validate, plateau
// update and checkpoint. State advances only when both passes succeed.
func (t *Trainer) RunEpoch(ctx context.Context) (*EpochReport, error) {
	epoch := t.state.Epoch
	start := time.Now()

	lr := t.schedule.LR(epoch, t.cfg.LR)
	t.opt.SetLR(lr)
	t.metrics.RecordLearningRate(lr)

	train, err := t.runner.Run(ctx, dataset.Train, epoch)
	if err != nil {
		t.recordFailure("train", err)
		return nil, err
	}
	val, err := t.runner.Run(ctx, dataset.Val, epoch)
	if err != nil {
		t.recordFailure("validate", err)
		return nil, err
	}

	isBest := t.state.Observe(val.Accuracy)
	if !isBest {
		t.log.Info("no improvement", "epoch", epoch, "epochs_since_improvement", t.state.EpochsSinceImprovement)
	}
	t.metrics.RecordPlateau(t.state.BestScore, t.state.EpochsSinceImprovement)

	persisted, bestPersisted := t.save(epoch, isBest)
	t.state.Epoch = epoch + 1

	er := &EpochReport{
		Epoch:         epoch,
		LR:            lr,
		Train:         *train,
		Val:           *val,
		IsBest:        isBest,
		Persisted:     persisted,
		BestPersisted: bestPersisted,
		Plateau:       t.state.Plateau,
		Duration:      time.Since(start),
	}
	t.monitor.RecordEpoch(monitoring.EpochSnapshot{
		Epoch:                  epoch,
		TrainLoss:              train.Loss,
		TrainAccuracy:          train.Accuracy,
		ValLoss:                val.Loss,
		ValAccuracy:            val.Accuracy,
		BestScore:              t.state.BestScore,
		EpochsSinceImprovement: t.state.EpochsSinceImprovement,
		LearningRate:           lr,
		Duration:               er.Duration,
		Persisted:              persisted,
		IsBest:                 isBest,
		BestPersisted:          bestPersisted,
	})
	t.writeTextfile()
	return er, nil
}

// save persists the post-epoch state and reports which snapshots were
// written. A failure is logged and reported but never stops training.
func (t *Trainer) save(epoch int, isBest bool) (latest, best bool) {
	st := checkpoint.Capture(epoch, t.state.EpochsSinceImprovement, t.state.BestScore, t.model, t.opt, t.runID)
	start := time.Now()
	err := t.ckpt.SaveLatest(st)
	t.metrics.RecordCheckpoint(time.Since(start), err)
	if err != nil {
		t.log.Error("checkpoint not persisted; this epoch is unrecoverable if the process dies",
			"epoch", epoch, "dir", t.ckpt.Dir(), "error", err)
		return false, false
	}
	t.log.Debug("checkpoint saved", "epoch", epoch, "path", t.ckpt.LatestPath())
	if !isBest {
		return true, false
	}

	start = time.Now()
	err = t.ckpt.SaveBest(st)
	t.metrics.RecordCheckpoint(time.Since(start), err)
	if err != nil {
		t.log.Error("best snapshot not persisted; the latest snapshot still holds this epoch",
			"epoch", epoch, "path", t.ckpt.BestPath(), "error", err)
		return true, false
	}
	t.log.Debug("best snapshot saved", "epoch", epoch, "path", t.ckpt.BestPath())
	return true, true
}

func (t *Trainer) writeTextfile() {
	if t.cfg.MetricsTextfile == "" || t.gatherer == nil {
		return
	}
	if err := metrics.WriteTextfile(t.gatherer, t.cfg.MetricsTextfile); err != nil {
		t.log.Warn("failed to write metrics textfile", "path", t.cfg.MetricsTextfile, "error", err)
	}
}

func (t *Trainer) recordFailure(operation string, err error) {
	switch {
	case errors.Is(err, ErrPrecondition):
		t.metrics.RecordValidationError(operation, "precondition")
	case errors.Is(err, ErrNumericInstability):
		t.metrics.RecordValidationError(operation, "numeric_instability")
	}
}
