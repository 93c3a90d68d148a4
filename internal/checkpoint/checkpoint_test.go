package checkpoint

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-vqa/internal/model"
	"github.com/23skdu/longbow-vqa/internal/optim"
)

func testSpec() model.Spec {
	return model.Spec{
		Arch:         model.ArchBaseline,
		VocabSize:    6,
		PadID:        0,
		Channels:     3,
		EmbedSize:    2,
		HiddenSize:   3,
		MaxAnswerLen: 3,
	}
}

// trainedPair returns a model and an Adam optimizer that has taken a step,
// so every moment buffer is non-zero.
func trainedPair(t *testing.T, seed uint64) (model.Model, optim.Optimizer) {
	t.Helper()
	m, err := model.FromSpec(testSpec(), seed)
	if err != nil {
		t.Fatalf("FromSpec: %v", err)
	}
	opt, err := optim.New(optim.Adam, m.Parameters(), optim.DefaultConfig())
	if err != nil {
		t.Fatalf("optim.New: %v", err)
	}
	for _, p := range m.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 0.01*float64(i+1) - 0.003
		}
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	return m, opt
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, opt := trainedPair(t, 3)
	st := Capture(4, 2, 0.3125, m, opt, "run-a")

	mgr := NewManager(t.TempDir())
	if err := mgr.SaveLatest(st); err != nil {
		t.Fatalf("SaveLatest: %v", err)
	}
	got, err := Load(mgr.LatestPath())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Version != Version || got.Epoch != 4 || got.EpochsSinceImprovement != 2 || got.BestScore != 0.3125 {
		t.Errorf("scalars = v%d epoch %d since %d best %v", got.Version, got.Epoch, got.EpochsSinceImprovement, got.BestScore)
	}
	if got.RunID != "run-a" || got.Best {
		t.Errorf("run id %q best %v", got.RunID, got.Best)
	}
	if !got.CreatedAt.Equal(st.CreatedAt) {
		t.Errorf("created at %v, want %v", got.CreatedAt, st.CreatedAt)
	}
	if got.Model != st.Model {
		t.Errorf("model spec %+v, want %+v", got.Model, st.Model)
	}
	if !reflect.DeepEqual(got.Params, st.Params) {
		t.Error("parameters differ after round trip")
	}
	if !reflect.DeepEqual(got.Optimizer, st.Optimizer) {
		t.Errorf("optimizer state differs: got kind %s step %d lr %v, want kind %s step %d lr %v",
			got.Optimizer.Kind, got.Optimizer.Step, got.Optimizer.LR,
			st.Optimizer.Kind, st.Optimizer.Step, st.Optimizer.LR)
	}
	if _, err := os.Stat(mgr.BestPath()); !os.IsNotExist(err) {
		t.Errorf("best snapshot written for a non-best save: %v", err)
	}
}

func TestRestoreRebuildsModelAndOptimizer(t *testing.T) {
	m, opt := trainedPair(t, 3)
	path := filepath.Join(t.TempDir(), "ckpt.arrow")
	if err := Write(path, Capture(1, 0, 0.5, m, opt, "")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	fresh, err := model.FromSpec(testSpec(), 99)
	if err != nil {
		t.Fatal(err)
	}
	freshOpt, err := optim.New(optim.Adam, fresh.Parameters(), optim.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Restore(fresh, freshOpt); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for i, p := range fresh.Parameters() {
		if !reflect.DeepEqual(p.Data, m.Parameters()[i].Data) {
			t.Errorf("parameter %s not restored", p.Name)
		}
	}
	if !reflect.DeepEqual(freshOpt.State(), opt.State()) {
		t.Error("optimizer state not restored")
	}

	built, err := st.BuildModel()
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	if built.Spec() != testSpec() {
		t.Errorf("built spec %+v", built.Spec())
	}
}

func TestRestoreRejectsWrongOptimizer(t *testing.T) {
	m, opt := trainedPair(t, 1)
	st := Capture(0, 0, 0, m, opt, "")
	sgd, err := optim.New(optim.SGD, m.Parameters(), optim.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Restore(m, sgd); err == nil {
		t.Fatal("expected kind mismatch error")
	}
}

func TestSaveBestWritesBothSnapshots(t *testing.T) {
	m, opt := trainedPair(t, 5)
	mgr := NewManager(t.TempDir())

	first := Capture(0, 0, 0.2, m, opt, "")
	if err := mgr.SaveLatest(first); err != nil {
		t.Fatalf("SaveLatest: %v", err)
	}
	if err := mgr.SaveBest(first); err != nil {
		t.Fatalf("SaveBest: %v", err)
	}
	if err := mgr.SaveLatest(Capture(1, 1, 0.2, m, opt, "")); err != nil {
		t.Fatalf("SaveLatest: %v", err)
	}

	latest, err := Load(mgr.LatestPath())
	if err != nil {
		t.Fatal(err)
	}
	best, err := Load(mgr.BestPath())
	if err != nil {
		t.Fatal(err)
	}
	if latest.Epoch != 1 || latest.Best {
		t.Errorf("latest epoch %d best %v, want 1 false", latest.Epoch, latest.Best)
	}
	if best.Epoch != 0 || !best.Best {
		t.Errorf("best epoch %d best %v, want 0 true", best.Epoch, best.Best)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	m, opt := trainedPair(t, 2)
	st := Capture(2, 1, 0.4, m, opt, "")
	dir := t.TempDir()

	for _, key := range requiredKeys {
		t.Run(key, func(t *testing.T) {
			meta, err := stateMetadata(st)
			if err != nil {
				t.Fatal(err)
			}
			delete(meta, key)
			path := filepath.Join(dir, key+".arrow")
			writeRaw(t, path, st, meta)

			if _, err := Load(path); !errors.Is(err, ErrMissingField) {
				t.Fatalf("Load without %s: got %v, want ErrMissingField", key, err)
			}
		})
	}
}

func TestLoadWithoutParameters(t *testing.T) {
	st := &State{Version: Version, Model: testSpec(), Optimizer: optim.State{Kind: optim.SGD}}
	path := filepath.Join(t.TempDir(), "empty.arrow")
	if err := Write(path, st); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, ErrMissingField) {
		t.Fatalf("got %v, want ErrMissingField", err)
	}
}

func TestLoadOptionalFieldsDefault(t *testing.T) {
	m, opt := trainedPair(t, 2)
	st := Capture(3, 0, 0.9, m, opt, "run-b")
	meta, err := stateMetadata(st)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{keyOptLR, keyRunID, keyCreatedAt, keyBest} {
		delete(meta, k)
	}
	path := filepath.Join(t.TempDir(), "old.arrow")
	writeRaw(t, path, st, meta)

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Optimizer.LR != 0 || got.RunID != "" || !got.CreatedAt.IsZero() || got.Best {
		t.Errorf("optional fields not defaulted: %+v", got.Optimizer)
	}
	if got.Optimizer.Step != st.Optimizer.Step {
		t.Errorf("optimizer step = %d, want %d", got.Optimizer.Step, st.Optimizer.Step)
	}
	if got.Epoch != 3 || got.BestScore != 0.9 {
		t.Errorf("required fields lost: epoch %d best %v", got.Epoch, got.BestScore)
	}
}

func TestLoadOptimizerStep(t *testing.T) {
	adamModel, adam := trainedPair(t, 2)
	sgdModel, err := model.FromSpec(testSpec(), 2)
	if err != nil {
		t.Fatal(err)
	}
	sgd, err := optim.New(optim.SGD, sgdModel.Parameters(), optim.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		st      *State
		wantErr bool
	}{
		{"adam requires step", Capture(1, 0, 0.5, adamModel, adam, ""), true},
		{"sgd defaults step", Capture(1, 0, 0.5, sgdModel, sgd, ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := stateMetadata(tt.st)
			if err != nil {
				t.Fatal(err)
			}
			delete(meta, keyOptStep)
			path := filepath.Join(t.TempDir(), "nostep.arrow")
			writeRaw(t, path, tt.st, meta)

			got, err := Load(path)
			if tt.wantErr {
				if !errors.Is(err, ErrMissingField) {
					t.Fatalf("got %v, want ErrMissingField", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Optimizer.Step != 0 {
				t.Errorf("step = %d, want 0", got.Optimizer.Step)
			}
		})
	}
}

func TestLoadUnsupportedVersion(t *testing.T) {
	m, opt := trainedPair(t, 2)
	st := Capture(0, 0, 0, m, opt, "")
	st.Version = Version + 1
	path := filepath.Join(t.TempDir(), "future.arrow")
	if err := Write(path, st); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestBestScoreExactRoundTrip(t *testing.T) {
	m, opt := trainedPair(t, 2)
	for _, score := range []float64{0, 1.0 / 3.0, math.Nextafter(0.7, 1), 1} {
		path := filepath.Join(t.TempDir(), "s.arrow")
		if err := Write(path, Capture(0, 0, score, m, opt, "")); err != nil {
			t.Fatal(err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if got.BestScore != score {
			t.Errorf("best score %v round-tripped to %v", score, got.BestScore)
		}
	}
}

func TestSaveUnwritableDirectory(t *testing.T) {
	m, opt := trainedPair(t, 2)
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(filepath.Join(blocker, "ckpt"))
	st := Capture(0, 0, 0, m, opt, "")
	if err := mgr.SaveLatest(st); !errors.Is(err, ErrResource) {
		t.Fatalf("SaveLatest: got %v, want ErrResource", err)
	}
	if err := mgr.SaveBest(st); !errors.Is(err, ErrResource) {
		t.Fatalf("SaveBest: got %v, want ErrResource", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.arrow")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeRaw(t *testing.T, path string, st *State, meta map[string]string) {
	t.Helper()
	pool := memory.NewGoAllocator()
	rec := buildRecord(pool, st, meta)
	defer rec.Release()
	if err := writeFile(path, rec, pool); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
}
