package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Training holds the collectors for one training process. A nil *Training
// is valid and records nothing.
type Training struct {
	BatchesTotal  *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	TokensTotal   *prometheus.CounterVec

	EpochLoss     *prometheus.GaugeVec
	EpochAccuracy *prometheus.GaugeVec
	Epoch         prometheus.Gauge

	BestScore              prometheus.Gauge
	EpochsSinceImprovement prometheus.Gauge
	LearningRate           prometheus.Gauge

	GradNorm   prometheus.Histogram
	ClipEvents prometheus.Counter

	NumericalInstability *prometheus.CounterVec
	ValidationErrors     *prometheus.CounterVec

	CheckpointDuration prometheus.Histogram
	CheckpointFailures prometheus.Counter
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors, ready for New.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the training collectors on reg.
func New(reg prometheus.Registerer) *Training {
	f := promauto.With(reg)
	return &Training{
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vqa_batches_total",
			Help: "Batches processed per split",
		}, []string{"split"}),

		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vqa_batch_duration_seconds",
			Help:    "Wall time of one batch step per split",
			Buckets: prometheus.DefBuckets,
		}, []string{"split"}),

		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vqa_valid_tokens_total",
			Help: "Non-padded answer positions scored per split",
		}, []string{"split"}),

		EpochLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vqa_epoch_loss",
			Help: "Average per-batch loss of the last finished epoch",
		}, []string{"split"}),

		EpochAccuracy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vqa_epoch_accuracy",
			Help: "Average per-batch token accuracy of the last finished epoch",
		}, []string{"split"}),

		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "vqa_epoch",
			Help: "Last completed epoch",
		}),

		BestScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "vqa_best_score",
			Help: "Best validation accuracy so far",
		}),

		EpochsSinceImprovement: f.NewGauge(prometheus.GaugeOpts{
			Name: "vqa_epochs_since_improvement",
			Help: "Consecutive epochs without validation improvement",
		}),

		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "vqa_learning_rate",
			Help: "Current optimizer learning rate",
		}),

		GradNorm: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vqa_grad_norm",
			Help:    "Total gradient L2 norm before clipping",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100, 1000},
		}),

		ClipEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "vqa_grad_clip_total",
			Help: "Steps whose gradients were rescaled by clipping",
		}),

		NumericalInstability: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vqa_numerical_instability_total",
			Help: "Total number of NaN/Inf values detected",
		}, []string{"tensor", "type"}),

		ValidationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vqa_validation_errors_total",
			Help: "Total number of rejected inputs",
		}, []string{"operation", "error_type"}),

		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vqa_checkpoint_write_seconds",
			Help:    "Duration of checkpoint writes",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		CheckpointFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "vqa_checkpoint_failures_total",
			Help: "Checkpoint writes that failed",
		}),
	}
}

func (m *Training) RecordBatch(split string, validTokens int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(split).Inc()
	m.TokensTotal.WithLabelValues(split).Add(float64(validTokens))
	m.BatchDuration.WithLabelValues(split).Observe(duration.Seconds())
}

func (m *Training) RecordEpoch(split string, epoch int, loss, accuracy float64) {
	if m == nil {
		return
	}
	m.EpochLoss.WithLabelValues(split).Set(loss)
	m.EpochAccuracy.WithLabelValues(split).Set(accuracy)
	m.Epoch.Set(float64(epoch))
}

func (m *Training) RecordPlateau(bestScore float64, epochsSinceImprovement int) {
	if m == nil {
		return
	}
	m.BestScore.Set(bestScore)
	m.EpochsSinceImprovement.Set(float64(epochsSinceImprovement))
}

func (m *Training) RecordLearningRate(lr float64) {
	if m == nil {
		return
	}
	m.LearningRate.Set(lr)
}

func (m *Training) RecordGradNorm(norm, maxNorm float64) {
	if m == nil {
		return
	}
	m.GradNorm.Observe(norm)
	if norm > maxNorm {
		m.ClipEvents.Inc()
	}
}

func (m *Training) RecordNumericalInstability(name string, nanCount, infCount int) {
	if m == nil {
		return
	}
	if nanCount > 0 {
		m.NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		m.NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func (m *Training) RecordValidationError(operation, errorType string) {
	if m == nil {
		return
	}
	m.ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func (m *Training) RecordCheckpoint(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CheckpointDuration.Observe(duration.Seconds())
	if err != nil {
		m.CheckpointFailures.Inc()
	}
}

// WriteTextfile dumps every metric gathered from g in the node_exporter
// textfile format.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	return prometheus.WriteToTextfile(path, g)
}
