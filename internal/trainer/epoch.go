package trainer

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/dataset"
	"github.com/23skdu/longbow-vqa/internal/loader"
	"github.com/23skdu/longbow-vqa/internal/logger"
	"github.com/23skdu/longbow-vqa/internal/meter"
	"github.com/23skdu/longbow-vqa/internal/metrics"
	"github.com/23skdu/longbow-vqa/internal/model"
	"github.com/23skdu/longbow-vqa/internal/numeric"
	"github.com/23skdu/longbow-vqa/internal/objective"
	"github.com/23skdu/longbow-vqa/internal/optim"
)

// EpochResult summarises one pass over a split. Loss and Accuracy are
// unweighted means of the per-batch values.
type EpochResult struct {
	Split       dataset.Split
	Epoch       int
	Loss        float64
	Accuracy    float64
	Batches     int
	ValidTokens int
	MaxGradNorm float64
	Duration    time.Duration
}

// Runner executes a single epoch over one split.
type Runner struct {
	model     model.Model
	opt       optim.Optimizer
	loader    *loader.Loader
	objective objective.MaskedCrossEntropy
	clipNorm  float64
	printFreq int
	log       *logger.Logger
	metrics   *metrics.Training
}

func NewRunner(m model.Model, opt optim.Optimizer, ld *loader.Loader, clipNorm float64, printFreq int, log *logger.Logger, mt *metrics.Training) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	if printFreq <= 0 {
		printFreq = 1
	}
	return &Runner{
		model:     m,
		opt:       opt,
		loader:    ld,
		clipNorm:  clipNorm,
		printFreq: printFreq,
		log:       log,
		metrics:   mt,
	}
}

// Run iterates split once. In train mode every batch takes one clipped
// optimizer step; in validation mode parameters are never touched.
func (r *Runner) Run(ctx context.Context, split dataset.Split, epoch int) (*EpochResult, error) {
	training := split == dataset.Train
	r.model.SetTraining(training)

	losses := meter.New()
	accs := meter.New()
	res := &EpochResult{Split: split, Epoch: epoch}
	start := time.Now()

	err := r.loader.Run(ctx, split, epoch, func(i, total int, b *batch.Batch) error {
		stepStart := time.Now()
		var out *objective.Result
		var err error
		if training {
			out, err = r.trainStep(b, res)
		} else {
			out, err = r.evalStep(b)
		}
		if err != nil {
			return fmt.Errorf("epoch %d %s batch %d/%d: %w", epoch, split, i, total, err)
		}

		losses.Update(out.Loss)
		accs.Update(out.Accuracy)
		res.Batches++
		res.ValidTokens += out.Valid
		r.metrics.RecordBatch(split.String(), out.Valid, time.Since(stepStart))

		if training && i%r.printFreq == 0 {
			r.log.Info("training progress",
				"epoch", epoch,
				"batch", i,
				"batches", total,
				"loss", out.Loss,
				"loss_avg", losses.Avg(),
				"accuracy", out.Accuracy,
				"accuracy_avg", accs.Avg(),
			)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	res.Loss = losses.Avg()
	res.Accuracy = accs.Avg()
	res.Duration = time.Since(start)
	r.metrics.RecordEpoch(split.String(), epoch, res.Loss, res.Accuracy)
	if !training {
		r.log.Info("validation", "epoch", epoch, "accuracy", res.Accuracy, "loss", res.Loss)
	}
	return res, nil
}

func (r *Runner) trainStep(b *batch.Batch, res *EpochResult) (*objective.Result, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	r.opt.ZeroGrad()
	logits, err := r.model.Forward(b.Images, b.Questions, b.AnswerLen())
	if err != nil {
		return nil, err
	}
	out, err := r.objective.ComputeGrad(logits, b.Answers, b.Mask)
	if err != nil {
		r.recordNonFinite("logits", logits.Data)
		return nil, err
	}
	if err := r.model.Backward(out.Grad); err != nil {
		return nil, err
	}

	params := r.model.Parameters()
	norm, err := optim.ClipGradNorm(params, r.clipNorm)
	if err != nil {
		for _, p := range params {
			r.recordNonFinite(p.Name+".grad", p.Grad)
		}
		return nil, err
	}
	r.metrics.RecordGradNorm(norm, r.clipNorm)
	res.MaxGradNorm = max(res.MaxGradNorm, norm)

	if err := r.opt.Step(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) evalStep(b *batch.Batch) (*objective.Result, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	logits, err := r.model.Forward(b.Images, b.Questions, b.AnswerLen())
	if err != nil {
		return nil, err
	}
	out, err := r.objective.Compute(logits, b.Answers, b.Mask)
	if err != nil {
		r.recordNonFinite("logits", logits.Data)
		return nil, err
	}
	return out, nil
}

func (r *Runner) recordNonFinite(name string, data []float64) {
	nan, inf := numeric.CountNonFinite(data)
	if nan == 0 && inf == 0 {
		return
	}
	r.metrics.RecordNumericalInstability(name, nan, inf)
	r.log.Error("non-finite values detected", "tensor", name, "nan", nan, "inf", inf)
}
