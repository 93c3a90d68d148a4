package dataset

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-vqa/internal/batch"
)

func smallCorpus() (*Memory, *Vocab) {
	return Synthetic(SyntheticConfig{Train: 20, Val: 6, ImageSize: 2, Seed: 3})
}

func TestMemoryModes(t *testing.T) {
	m, _ := smallCorpus()
	if m.Mode() != Train || m.Len() != 20 {
		t.Fatalf("expected train mode with 20 samples, got %s/%d", m.Mode(), m.Len())
	}
	if err := m.SetMode(Val); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if m.Len() != 6 {
		t.Errorf("expected 6 val samples, got %d", m.Len())
	}
	s, err := m.Sample(5)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.Index != 5 {
		t.Errorf("expected index 5, got %d", s.Index)
	}
	if _, err := m.Sample(6); err == nil {
		t.Error("expected out of range error")
	}
	if err := m.SetMode(Split(9)); err == nil {
		t.Error("expected unknown split error")
	}
}

func TestParseSplit(t *testing.T) {
	tests := []struct {
		in      string
		want    Split
		wantErr bool
	}{
		{"train", Train, false},
		{"VAL", Val, false},
		{"validation", Val, false},
		{"test", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSplit(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSplit(%q) error = %v", tt.in, err)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseSplit(%q) = %s", tt.in, got)
			}
		})
	}
}

func TestSyntheticAnswersEndWithEOS(t *testing.T) {
	m, vocab := smallCorpus()
	for _, split := range []Split{Train, Val} {
		for i, s := range m.Samples(split) {
			if len(s.Answer) < 2 || len(s.Answer) > 3 {
				t.Errorf("%s[%d]: unexpected answer length %d", split, i, len(s.Answer))
			}
			if s.Answer[len(s.Answer)-1] != vocab.EOSID() {
				t.Errorf("%s[%d]: answer not EOS-terminated: %v", split, i, s.Answer)
			}
			for _, id := range append(append([]int(nil), s.Question...), s.Answer...) {
				if id == vocab.PadID() {
					t.Errorf("%s[%d]: pad id used as a real token", split, i)
				}
			}
		}
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a, _ := smallCorpus()
	b, _ := smallCorpus()
	if !reflect.DeepEqual(a.Samples(Train), b.Samples(Train)) {
		t.Error("same seed produced different corpora")
	}
}

func TestArrowFileRoundTrip(t *testing.T) {
	m, _ := smallCorpus()
	path := filepath.Join(t.TempDir(), "train.arrow")
	if err := WriteArrowFile(path, m.Samples(Train)); err != nil {
		t.Fatalf("WriteArrowFile: %v", err)
	}
	got, err := ReadArrowFile(path)
	if err != nil {
		t.Fatalf("ReadArrowFile: %v", err)
	}
	if !reflect.DeepEqual(got, m.Samples(Train)) {
		t.Error("samples changed across arrow round trip")
	}
}

func TestArrowDirRoundTrip(t *testing.T) {
	m, _ := smallCorpus()
	dir := filepath.Join(t.TempDir(), "data")
	if err := WriteArrowDir(dir, m); err != nil {
		t.Fatalf("WriteArrowDir: %v", err)
	}
	loaded, err := OpenArrowDir(dir)
	if err != nil {
		t.Fatalf("OpenArrowDir: %v", err)
	}
	if !reflect.DeepEqual(loaded.Samples(Val), m.Samples(Val)) {
		t.Error("val split changed across arrow dir round trip")
	}
}

func TestReadArrowFileMissing(t *testing.T) {
	if _, err := ReadArrowFile(filepath.Join(t.TempDir(), "nope.arrow")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWriteArrowFileRejectsMixedShapes(t *testing.T) {
	samples := []batch.Sample{
		{Image: batch.Image{C: 1, H: 1, W: 1, Data: []float64{0}}, Answer: []int{1}},
		{Image: batch.Image{C: 1, H: 2, W: 1, Data: []float64{0, 0}}, Answer: []int{1}},
	}
	if err := WriteArrowFile(filepath.Join(t.TempDir(), "x.arrow"), samples); err == nil {
		t.Error("expected shape error")
	}
}

func TestFlightRoundTrip(t *testing.T) {
	m, _ := smallCorpus()
	srv := NewFlightServer(m)
	if err := srv.Start("localhost:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client := NewFlightClient(srv.Addr())
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = client.Close() }()

	got, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, split := range []Split{Train, Val} {
		if !reflect.DeepEqual(got.Samples(split), m.Samples(split)) {
			t.Errorf("%s split changed across flight", split)
		}
	}
}

func TestFlightClientNotConnected(t *testing.T) {
	client := NewFlightClient("localhost:1")
	if _, err := client.FetchSplit(context.Background(), Train); err == nil {
		t.Error("expected error when client not connected")
	}
}

func TestVocab(t *testing.T) {
	v := NewVocab([]string{"red", "blue", "red"})
	if v.Size() != 5 {
		t.Fatalf("expected 5 tokens, got %d", v.Size())
	}
	if v.PadID() != 0 || v.EOSID() != 1 {
		t.Errorf("unexpected reserved ids pad=%d eos=%d", v.PadID(), v.EOSID())
	}
	ids := v.Encode("Red green", true)
	if !reflect.DeepEqual(ids, []int{3, 2, 1}) {
		t.Errorf("Encode = %v", ids)
	}
	if got := v.Decode([]int{3, 0, 4, 1, 3}); got != "red blue" {
		t.Errorf("Decode = %q", got)
	}
	if v.Token(99) != UNKToken {
		t.Errorf("expected UNK for out of range id")
	}

	path := filepath.Join(t.TempDir(), "vocab.json")
	if err := v.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadVocab(path)
	if err != nil {
		t.Fatalf("LoadVocab: %v", err)
	}
	if !reflect.DeepEqual(loaded.Tokens, v.Tokens) {
		t.Errorf("tokens changed: %v vs %v", loaded.Tokens, v.Tokens)
	}
}

func TestLoadVocabRejectsBadLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.json")
	if err := os.WriteFile(path, []byte(`{"tokens":["a","b","c"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadVocab(path); err == nil {
		t.Error("expected error for missing reserved tokens")
	}
}
