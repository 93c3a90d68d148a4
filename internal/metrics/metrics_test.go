package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTraining(t *testing.T) (*Training, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func TestRecordBatch(t *testing.T) {
	m, _ := newTraining(t)
	m.RecordBatch("train", 12, 5*time.Millisecond)
	m.RecordBatch("train", 8, 5*time.Millisecond)
	m.RecordBatch("val", 3, time.Millisecond)

	if got := testutil.ToFloat64(m.BatchesTotal.WithLabelValues("train")); got != 2 {
		t.Errorf("train batches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("train")); got != 20 {
		t.Errorf("train tokens = %v, want 20", got)
	}
	if got := testutil.ToFloat64(m.BatchesTotal.WithLabelValues("val")); got != 1 {
		t.Errorf("val batches = %v, want 1", got)
	}
	if testutil.CollectAndCount(m.BatchDuration) != 2 {
		t.Error("expected one duration series per split")
	}
}

func TestRecordEpochAndPlateau(t *testing.T) {
	m, _ := newTraining(t)
	m.RecordEpoch("val", 4, 1.25, 0.5)
	m.RecordPlateau(0.5, 2)
	m.RecordLearningRate(0.01)

	if got := testutil.ToFloat64(m.EpochAccuracy.WithLabelValues("val")); got != 0.5 {
		t.Errorf("val accuracy = %v", got)
	}
	if got := testutil.ToFloat64(m.EpochLoss.WithLabelValues("val")); got != 1.25 {
		t.Errorf("val loss = %v", got)
	}
	if got := testutil.ToFloat64(m.Epoch); got != 4 {
		t.Errorf("epoch = %v", got)
	}
	if got := testutil.ToFloat64(m.EpochsSinceImprovement); got != 2 {
		t.Errorf("plateau = %v", got)
	}
	if got := testutil.ToFloat64(m.LearningRate); got != 0.01 {
		t.Errorf("lr = %v", got)
	}
}

func TestRecordGradNormCountsClips(t *testing.T) {
	m, _ := newTraining(t)
	m.RecordGradNorm(0.5, 1)
	m.RecordGradNorm(3, 1)
	m.RecordGradNorm(1, 1)

	if got := testutil.ToFloat64(m.ClipEvents); got != 1 {
		t.Errorf("clip events = %v, want 1", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	m, _ := newTraining(t)
	m.RecordNumericalInstability("grad", 5, 0)
	m.RecordNumericalInstability("grad", 0, 3)

	if got := testutil.ToFloat64(m.NumericalInstability.WithLabelValues("grad", "nan")); got != 5 {
		t.Errorf("nan = %v", got)
	}
	if got := testutil.ToFloat64(m.NumericalInstability.WithLabelValues("grad", "inf")); got != 3 {
		t.Errorf("inf = %v", got)
	}
}

func TestRecordCheckpoint(t *testing.T) {
	m, _ := newTraining(t)
	m.RecordCheckpoint(time.Millisecond, nil)
	m.RecordCheckpoint(time.Millisecond, errors.New("disk full"))

	if got := testutil.ToFloat64(m.CheckpointFailures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestNilTrainingIsNoop(t *testing.T) {
	var m *Training
	m.RecordBatch("train", 1, time.Millisecond)
	m.RecordEpoch("train", 0, 1, 1)
	m.RecordPlateau(0, 0)
	m.RecordLearningRate(1)
	m.RecordGradNorm(1, 1)
	m.RecordNumericalInstability("x", 1, 1)
	m.RecordValidationError("collate", "shape")
	m.RecordCheckpoint(0, nil)
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	New(reg)
}

func TestWriteTextfile(t *testing.T) {
	m, reg := newTraining(t)
	m.RecordValidationError("collate", "shape_mismatch")
	m.RecordPlateau(0.75, 0)

	path := filepath.Join(t.TempDir(), "vqa.prom")
	if err := WriteTextfile(reg, path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"vqa_best_score 0.75", `vqa_validation_errors_total{error_type="shape_mismatch",operation="collate"} 1`} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestNewRegistryGathers(t *testing.T) {
	reg := NewRegistry()
	New(reg)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Error("expected runtime metrics")
	}
}
