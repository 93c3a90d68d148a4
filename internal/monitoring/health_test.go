package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthStates(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*HealthMonitor)
		wantStatus string
		wantCode   int
	}{
		{"fresh", func(*HealthMonitor) {}, "healthy", http.StatusOK},
		{"warning only", func(hm *HealthMonitor) { hm.AddAlert("warning", "trainer", "slow") }, "healthy", http.StatusOK},
		{"error alert", func(hm *HealthMonitor) { hm.AddAlert("error", "checkpoint", "disk full") }, "degraded", http.StatusOK},
		{"failed run", func(hm *HealthMonitor) { hm.Fail(errors.New("nan loss")) }, "critical", http.StatusServiceUnavailable},
		{"resolved error", func(hm *HealthMonitor) {
			hm.AddAlert("error", "checkpoint", "disk full")
			hm.ResolveAlert(0)
		}, "healthy", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor("run-1", nil, nil)
			tt.setup(hm)

			rec := get(t, hm.Handler(), http.MethodGet, "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %q, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestRecordEpochUpdatesStatus(t *testing.T) {
	hm := NewHealthMonitor("run-2", nil, nil)
	hm.SetState(StateRunning, 10)
	hm.RecordEpoch(EpochSnapshot{Epoch: 0, ValAccuracy: 0.2, BestScore: 0.2, Persisted: true, Duration: time.Second})
	hm.RecordEpoch(EpochSnapshot{Epoch: 1, ValAccuracy: 0.1, BestScore: 0.2, EpochsSinceImprovement: 1, Persisted: false})

	rec := get(t, hm.Handler(), http.MethodGet, "/status")
	var st HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.RunID != "run-2" || st.Run.State != StateRunning || st.Run.EndEpoch != 10 {
		t.Errorf("unexpected run header: %+v", st)
	}
	if st.Run.Epoch != 1 || st.Run.BestScore != 0.2 || st.Run.EpochsSinceImprovement != 1 {
		t.Errorf("unexpected run info: %+v", st.Run)
	}
	if len(st.Run.UnpersistedEpochs) != 1 || st.Run.UnpersistedEpochs[0] != 1 {
		t.Errorf("unpersisted = %v, want [1]", st.Run.UnpersistedEpochs)
	}
	if st.Status != "degraded" {
		t.Errorf("status = %q, want degraded", st.Status)
	}
}

func TestBestSnapshotFailureIsWarning(t *testing.T) {
	hm := NewHealthMonitor("", nil, nil)
	hm.RecordEpoch(EpochSnapshot{Epoch: 0, IsBest: true, Persisted: true, BestPersisted: false})

	st := hm.Status()
	if st.Status != "healthy" {
		t.Errorf("status = %q, want healthy", st.Status)
	}
	if len(st.Run.UnpersistedEpochs) != 0 || len(st.Run.BestUnpersistedEpochs) != 1 {
		t.Errorf("unpersisted %v best unpersisted %v", st.Run.UnpersistedEpochs, st.Run.BestUnpersistedEpochs)
	}
	alerts := hm.Alerts()
	if len(alerts) != 1 || alerts[0].Level != "warning" || alerts[0].Component != "checkpoint" {
		t.Fatalf("alerts = %+v, want one checkpoint warning", alerts)
	}
}

func TestPlateauAlert(t *testing.T) {
	hm := NewHealthMonitor("", nil, nil)
	for i := 1; i <= plateauAlertStep; i++ {
		hm.RecordEpoch(EpochSnapshot{Epoch: i, EpochsSinceImprovement: i, Persisted: true})
	}
	alerts := hm.Alerts()
	if len(alerts) != 1 || alerts[0].Level != "warning" {
		t.Fatalf("alerts = %+v, want one plateau warning", alerts)
	}
}

func TestAlertRingBuffer(t *testing.T) {
	hm := NewHealthMonitor("", nil, nil)
	for i := 0; i < maxAlerts+10; i++ {
		hm.AddAlert("info", "trainer", "tick")
	}
	if n := len(hm.Alerts()); n != maxAlerts {
		t.Errorf("kept %d alerts, want %d", n, maxAlerts)
	}
}

func TestClearAlerts(t *testing.T) {
	hm := NewHealthMonitor("", nil, nil)
	hm.AddAlert("error", "checkpoint", "disk full")
	h := hm.Handler()

	if rec := get(t, h, http.MethodGet, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear = %d, want 405", rec.Code)
	}
	if rec := get(t, h, http.MethodPost, "/admin/clear-alerts"); rec.Code != http.StatusOK {
		t.Errorf("POST clear = %d", rec.Code)
	}
	if n := len(hm.Alerts()); n != 0 {
		t.Errorf("%d alerts left", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "vqa_test_gauge", Help: "test"})
	reg.MustRegister(g)
	g.Set(3)

	hm := NewHealthMonitor("", reg, nil)
	rec := get(t, hm.Handler(), http.MethodGet, "/metrics")
	if !strings.Contains(rec.Body.String(), "vqa_test_gauge 3") {
		t.Errorf("metrics body missing gauge:\n%s", rec.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	hm := NewHealthMonitor("run-3", nil, nil)
	if err := hm.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + hm.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "healthy") {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hm.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestSetRunID(t *testing.T) {
	hm := NewHealthMonitor("", nil, nil)
	hm.SetRunID("run-7")

	rec := get(t, hm.Handler(), http.MethodGet, "/status")
	var st HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RunID != "run-7" {
		t.Errorf("run id = %q, want run-7", st.RunID)
	}
}

func TestNilMonitor(t *testing.T) {
	var hm *HealthMonitor
	hm.SetState(StateRunning, 1)
	hm.SetRunID("r")
	hm.RecordEpoch(EpochSnapshot{})
	hm.AddAlert("info", "x", "y")
	hm.Fail(errors.New("boom"))
	if hm.Alerts() != nil || hm.Addr() != "" {
		t.Error("nil monitor should report nothing")
	}
	if err := hm.Stop(context.Background()); err != nil {
		t.Error(err)
	}
}
