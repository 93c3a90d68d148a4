package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-vqa/internal/logger"
)

// Run states reported on /status.
const (
	StateInit    = "init"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

const (
	maxAlerts        = 100
	plateauAlertStep = 5
)

// HealthStatus represents the health status of the training process
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Run       RunInfo       `json:"run"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	Goroutines   int    `json:"goroutines"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// RunInfo is the latest view of training progress.
type RunInfo struct {
	State                  string        `json:"state"`
	Epoch                  int           `json:"epoch"`
	EndEpoch               int           `json:"end_epoch"`
	BestScore              float64       `json:"best_score"`
	EpochsSinceImprovement int           `json:"epochs_since_improvement"`
	LearningRate           float64       `json:"learning_rate"`
	TrainLoss              float64       `json:"train_loss"`
	TrainAccuracy          float64       `json:"train_accuracy"`
	ValLoss                float64       `json:"val_loss"`
	ValAccuracy            float64       `json:"val_accuracy"`
	LastEpochDuration      time.Duration `json:"last_epoch_duration"`
	LastEpochAt            time.Time     `json:"last_epoch_at"`
	UnpersistedEpochs      []int         `json:"unpersisted_epochs,omitempty"`
	BestUnpersistedEpochs  []int         `json:"best_unpersisted_epochs,omitempty"`
}

// EpochSnapshot is what the orchestrator reports after each epoch.
type EpochSnapshot struct {
	Epoch                  int
	TrainLoss              float64
	TrainAccuracy          float64
	ValLoss                float64
	ValAccuracy            float64
	BestScore              float64
	EpochsSinceImprovement int
	LearningRate           float64
	Duration               time.Duration
	Persisted              bool
	IsBest                 bool
	BestPersisted          bool
}

// Alert represents a run alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // trainer, checkpoint, data
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor tracks one training run and serves it over HTTP. A nil
// monitor is valid and ignores every call.
type HealthMonitor struct {
	startTime time.Time
	runID     string
	gatherer  prometheus.Gatherer
	log       *logger.Logger

	server   *http.Server
	listener net.Listener

	mu     sync.RWMutex
	alerts []Alert
	run    RunInfo
}

// NewHealthMonitor creates a monitor for runID. Metrics are served from g
// when it is non-nil.
func NewHealthMonitor(runID string, g prometheus.Gatherer, log *logger.Logger) *HealthMonitor {
	if log == nil {
		log = logger.Nop()
	}
	return &HealthMonitor{
		startTime: time.Now(),
		runID:     runID,
		gatherer:  g,
		log:       log.With("component", "monitor"),
		alerts:    make([]Alert, 0),
		run:       RunInfo{State: StateInit},
	}
}

// Handler exposes /health, /healthz, /status, /metrics and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	if hm.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(hm.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start binds addr and serves in the background.
func (hm *HealthMonitor) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hm.listener = lis
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.log.Info("health monitor starting", "addr", lis.Addr().String())
	go func() {
		if err := hm.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hm.log.Error("health monitor stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (hm *HealthMonitor) Addr() string {
	if hm == nil || hm.listener == nil {
		return ""
	}
	return hm.listener.Addr().String()
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm != nil && hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// SetRunID replaces the run id reported on /health and /status, for runs
// whose id is only known once a checkpoint has been read.
func (hm *HealthMonitor) SetRunID(runID string) {
	if hm == nil {
		return
	}
	hm.mu.Lock()
	hm.runID = runID
	hm.mu.Unlock()
}

func (hm *HealthMonitor) SetState(state string, endEpoch int) {
	if hm == nil {
		return
	}
	hm.mu.Lock()
	hm.run.State = state
	hm.run.EndEpoch = endEpoch
	hm.mu.Unlock()
}

// Fail marks the run failed and raises a critical alert.
func (hm *HealthMonitor) Fail(err error) {
	if hm == nil {
		return
	}
	hm.mu.Lock()
	hm.run.State = StateFailed
	hm.mu.Unlock()
	hm.AddAlert("critical", "trainer", err.Error())
}

// RecordEpoch stores the latest epoch view and raises alerts for
// unpersisted snapshots and long plateaus.
func (hm *HealthMonitor) RecordEpoch(s EpochSnapshot) {
	if hm == nil {
		return
	}
	hm.mu.Lock()
	hm.run.Epoch = s.Epoch
	hm.run.TrainLoss = s.TrainLoss
	hm.run.TrainAccuracy = s.TrainAccuracy
	hm.run.ValLoss = s.ValLoss
	hm.run.ValAccuracy = s.ValAccuracy
	hm.run.BestScore = s.BestScore
	hm.run.EpochsSinceImprovement = s.EpochsSinceImprovement
	hm.run.LearningRate = s.LearningRate
	hm.run.LastEpochDuration = s.Duration
	hm.run.LastEpochAt = time.Now()
	if !s.Persisted {
		hm.run.UnpersistedEpochs = append(hm.run.UnpersistedEpochs, s.Epoch)
	} else if s.IsBest && !s.BestPersisted {
		hm.run.BestUnpersistedEpochs = append(hm.run.BestUnpersistedEpochs, s.Epoch)
	}
	hm.mu.Unlock()

	hm.checkEpochAlerts(s)
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	if hm == nil {
		return
	}
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	if hm == nil {
		return
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) Alerts() []Alert {
	if hm == nil {
		return nil
	}
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return append([]Alert(nil), hm.alerts...)
}

// Status computes the current health: critical on an open critical alert,
// degraded on an open error alert, healthy otherwise.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	run := hm.run
	run.UnpersistedEpochs = append([]int(nil), hm.run.UnpersistedEpochs...)
	run.BestUnpersistedEpochs = append([]int(nil), hm.run.BestUnpersistedEpochs...)
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		RunID:     hm.runID,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Run:       run,
		Alerts:    append([]Alert(nil), hm.alerts...),
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"state":     status.Run.State,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Alerts())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		Goroutines:   runtime.NumGoroutine(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) checkEpochAlerts(s EpochSnapshot) {
	if !s.Persisted {
		hm.AddAlert("error", "checkpoint",
			fmt.Sprintf("epoch %d was not persisted; a crash now loses it", s.Epoch))
	} else if s.IsBest && !s.BestPersisted {
		hm.AddAlert("warning", "checkpoint",
			fmt.Sprintf("best snapshot for epoch %d was not persisted; the latest snapshot holds it", s.Epoch))
	}
	if s.EpochsSinceImprovement > 0 && s.EpochsSinceImprovement%plateauAlertStep == 0 {
		hm.AddAlert("warning", "trainer",
			fmt.Sprintf("no validation improvement for %d epochs (best %.4f)", s.EpochsSinceImprovement, s.BestScore))
	}
}
