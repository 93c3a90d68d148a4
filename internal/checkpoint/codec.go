package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-vqa/internal/numeric"
	"github.com/23skdu/longbow-vqa/internal/optim"
)

const (
	keyVersion   = "vqa.version"
	keyEpoch     = "vqa.epoch"
	keySince     = "vqa.epochs_since_improvement"
	keyBestScore = "vqa.best_score"
	keyOptKind   = "vqa.optimizer.kind"
	keyOptStep   = "vqa.optimizer.step"
	keyOptLR     = "vqa.optimizer.lr"
	keyModelSpec = "vqa.model.spec"
	keyRunID     = "vqa.run_id"
	keyCreatedAt = "vqa.created_at"
	keyBest      = "vqa.best"

	roleParam   = "param"
	rolePrefOpt = "optim:"
)

var requiredKeys = []string{keyVersion, keyEpoch, keySince, keyBestScore, keyOptKind, keyModelSpec}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func stateMetadata(s *State) (map[string]string, error) {
	spec, err := json.Marshal(s.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}
	return map[string]string{
		keyVersion:   strconv.Itoa(s.Version),
		keyEpoch:     strconv.Itoa(s.Epoch),
		keySince:     strconv.Itoa(s.EpochsSinceImprovement),
		keyBestScore: formatFloat(s.BestScore),
		keyOptKind:   s.Optimizer.Kind.String(),
		keyOptStep:   strconv.FormatUint(s.Optimizer.Step, 10),
		keyOptLR:     formatFloat(s.Optimizer.LR),
		keyModelSpec: string(spec),
		keyRunID:     s.RunID,
		keyCreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
		keyBest:      strconv.FormatBool(s.Best),
	}, nil
}

func tensorSchema(meta map[string]string) *arrow.Schema {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = meta[k]
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "role", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, &md)
}

// buildRecord lays out parameters and optimizer slots as one row per tensor.
func buildRecord(pool memory.Allocator, s *State, meta map[string]string) arrow.Record {
	bld := array.NewRecordBuilder(pool, tensorSchema(meta))
	defer bld.Release()

	names := bld.Field(0).(*array.StringBuilder)
	roles := bld.Field(1).(*array.StringBuilder)
	shapes := bld.Field(2).(*array.ListBuilder)
	shapeVals := shapes.ValueBuilder().(*array.Int64Builder)
	data := bld.Field(3).(*array.ListBuilder)
	dataVals := data.ValueBuilder().(*array.Float64Builder)

	appendRow := func(name, role string, shape []int, values []float64) {
		names.Append(name)
		roles.Append(role)
		shapes.Append(true)
		for _, d := range shape {
			shapeVals.Append(int64(d))
		}
		data.Append(true)
		dataVals.AppendValues(values, nil)
	}

	for _, t := range s.Params {
		appendRow(t.Name, roleParam, t.Shape, t.Data)
	}
	for _, slot := range s.Optimizer.Slots {
		appendRow(slot.Param, rolePrefOpt+slot.Name, []int{len(slot.Data)}, slot.Data)
	}
	return bld.NewRecord()
}

// writeFile writes rec to path atomically: a temp file in the same
// directory is synced and renamed over the destination.
func writeFile(path string, rec arrow.Record, pool memory.Allocator) (err error) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResource, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w, err := ipc.NewFileWriter(tmp, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(pool))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResource, err)
	}
	if err = w.Write(rec); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrResource, path, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("%w: finalize %s: %v", ErrResource, path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrResource, path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrResource, path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", ErrResource, path, err)
	}
	return nil
}

// Write persists s as an Arrow IPC file.
func Write(path string, s *State) error {
	meta, err := stateMetadata(s)
	if err != nil {
		return err
	}
	pool := memory.NewGoAllocator()
	rec := buildRecord(pool, s, meta)
	defer rec.Release()
	return writeFile(path, rec, pool)
}

// Load reads a checkpoint written by Write. A file lacking any required
// field is rejected with ErrMissingField; nothing is guessed.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	s, err := decodeMetadata(r.Schema().Metadata())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d of %s: %w", i, path, err)
		}
		if err := decodeTensors(s, rec); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if len(s.Params) == 0 {
		return nil, fmt.Errorf("%s: %w: model parameters", path, ErrMissingField)
	}
	return s, nil
}

func decodeMetadata(md arrow.Metadata) (*State, error) {
	get := func(key string) (string, bool) {
		i := md.FindKey(key)
		if i < 0 {
			return "", false
		}
		return md.Values()[i], true
	}
	for _, k := range requiredKeys {
		if _, ok := get(k); !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, k)
		}
	}

	s := &State{}
	var err error
	v, _ := get(keyVersion)
	if s.Version, err = strconv.Atoi(v); err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", keyVersion, v, err)
	}
	if s.Version < 1 || s.Version > Version {
		return nil, fmt.Errorf("%w: %d (this build reads up to %d)", ErrUnsupportedVersion, s.Version, Version)
	}
	v, _ = get(keyEpoch)
	if s.Epoch, err = strconv.Atoi(v); err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", keyEpoch, v, err)
	}
	v, _ = get(keySince)
	if s.EpochsSinceImprovement, err = strconv.Atoi(v); err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", keySince, v, err)
	}
	v, _ = get(keyBestScore)
	if s.BestScore, err = strconv.ParseFloat(v, 64); err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", keyBestScore, v, err)
	}
	v, _ = get(keyOptKind)
	if s.Optimizer.Kind, err = optim.ParseKind(v); err != nil {
		return nil, err
	}
	v, _ = get(keyModelSpec)
	if err := json.Unmarshal([]byte(v), &s.Model); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", keyModelSpec, err)
	}

	// Adam's bias correction depends on the step count, so it cannot default.
	v, ok := get(keyOptStep)
	if !ok && s.Optimizer.Kind == optim.Adam {
		return nil, fmt.Errorf("%w: %s (required for %s)", ErrMissingField, keyOptStep, s.Optimizer.Kind)
	}
	if ok {
		if s.Optimizer.Step, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", keyOptStep, v, err)
		}
	}

	// optional fields default when absent
	if v, ok := get(keyOptLR); ok {
		if s.Optimizer.LR, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", keyOptLR, v, err)
		}
	}
	s.RunID, _ = get(keyRunID)
	if v, ok := get(keyCreatedAt); ok {
		if s.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", keyCreatedAt, v, err)
		}
	}
	if v, ok := get(keyBest); ok {
		s.Best, _ = strconv.ParseBool(v)
	}
	return s, nil
}

func decodeTensors(s *State, rec arrow.Record) error {
	if rec.NumCols() != 4 {
		return fmt.Errorf("tensor record has %d columns, want 4", rec.NumCols())
	}
	names, ok1 := rec.Column(0).(*array.String)
	roles, ok2 := rec.Column(1).(*array.String)
	shapes, ok3 := rec.Column(2).(*array.List)
	data, ok4 := rec.Column(3).(*array.List)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("unexpected tensor column types")
	}
	shapeVals, ok1 := shapes.ListValues().(*array.Int64)
	dataVals, ok2 := data.ListValues().(*array.Float64)
	if !ok1 || !ok2 {
		return fmt.Errorf("unexpected tensor list value types")
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		ss, se := shapes.ValueOffsets(i)
		shape := make([]int, 0, se-ss)
		for _, d := range shapeVals.Int64Values()[ss:se] {
			shape = append(shape, int(d))
		}
		ds, de := data.ValueOffsets(i)
		values := append([]float64{}, dataVals.Float64Values()[ds:de]...)
		if numeric.ShapeSize(shape) != len(values) {
			return fmt.Errorf("tensor %q has %d values for shape %v", names.Value(i), len(values), shape)
		}

		role := roles.Value(i)
		switch {
		case role == roleParam:
			s.Params = append(s.Params, Tensor{Name: names.Value(i), Shape: shape, Data: values})
		case strings.HasPrefix(role, rolePrefOpt):
			s.Optimizer.Slots = append(s.Optimizer.Slots, optim.Slot{
				Name:  strings.TrimPrefix(role, rolePrefOpt),
				Param: names.Value(i),
				Data:  values,
			})
		default:
			return fmt.Errorf("tensor %q has unknown role %q", names.Value(i), role)
		}
	}
	return nil
}
