package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-vqa/internal/batch"
)

const (
	metaImageC = "vqa.image.c"
	metaImageH = "vqa.image.h"
	metaImageW = "vqa.image.w"
)

// SplitFile is the file name a split is stored under inside a data dir.
func SplitFile(split Split) string {
	return split.String() + ".arrow"
}

func sampleSchema(c, h, w int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaImageC, metaImageH, metaImageW},
		[]string{strconv.Itoa(c), strconv.Itoa(h), strconv.Itoa(w)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "index", Type: arrow.PrimitiveTypes.Int64},
		{Name: "image", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{Name: "question", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "answer", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	}, &md)
}

// buildRecord encodes samples as a single record. All images must share
// one shape, which is stored in the schema metadata.
func buildRecord(pool memory.Allocator, samples []batch.Sample) (arrow.Record, error) {
	var c, h, w int
	if len(samples) > 0 {
		c, h, w = samples[0].Image.C, samples[0].Image.H, samples[0].Image.W
	}
	schema := sampleSchema(c, h, w)
	bld := array.NewRecordBuilder(pool, schema)
	defer bld.Release()

	idx := bld.Field(0).(*array.Int64Builder)
	img := bld.Field(1).(*array.ListBuilder)
	imgVals := img.ValueBuilder().(*array.Float64Builder)
	q := bld.Field(2).(*array.ListBuilder)
	qVals := q.ValueBuilder().(*array.Int32Builder)
	a := bld.Field(3).(*array.ListBuilder)
	aVals := a.ValueBuilder().(*array.Int32Builder)

	for i, s := range samples {
		if s.Image.C != c || s.Image.H != h || s.Image.W != w {
			return nil, fmt.Errorf("%w: sample %d image shape differs from the first sample", batch.ErrShapeMismatch, i)
		}
		idx.Append(int64(s.Index))
		img.Append(true)
		imgVals.AppendValues(s.Image.Data, nil)
		q.Append(true)
		qVals.AppendValues(toInt32(s.Question), nil)
		a.Append(true)
		aVals.AppendValues(toInt32(s.Answer), nil)
	}
	return bld.NewRecord(), nil
}

// appendSamples decodes rec, whose schema carries the image shape.
func appendSamples(dst []batch.Sample, rec arrow.Record) ([]batch.Sample, error) {
	c, h, w, err := imageShape(rec.Schema())
	if err != nil {
		return nil, err
	}
	if rec.NumCols() != 4 {
		return nil, fmt.Errorf("sample record has %d columns, want 4", rec.NumCols())
	}
	idx, ok := rec.Column(0).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("index column has type %s", rec.Column(0).DataType())
	}
	img, ok1 := rec.Column(1).(*array.List)
	q, ok2 := rec.Column(2).(*array.List)
	a, ok3 := rec.Column(3).(*array.List)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("image/question/answer columns must be lists")
	}
	imgVals, ok1 := img.ListValues().(*array.Float64)
	qVals, ok2 := q.ListValues().(*array.Int32)
	aVals, ok3 := a.ListValues().(*array.Int32)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected list value types")
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := img.ValueOffsets(i)
		data := append([]float64(nil), imgVals.Float64Values()[start:end]...)
		if len(data) != c*h*w {
			return nil, fmt.Errorf("%w: row %d image has %d values, want %d", batch.ErrShapeMismatch, i, len(data), c*h*w)
		}
		qs, qe := q.ValueOffsets(i)
		as, ae := a.ValueOffsets(i)
		dst = append(dst, batch.Sample{
			Index:    int(idx.Value(i)),
			Image:    batch.Image{C: c, H: h, W: w, Data: data},
			Question: fromInt32(qVals.Int32Values()[qs:qe]),
			Answer:   fromInt32(aVals.Int32Values()[as:ae]),
		})
	}
	return dst, nil
}

func imageShape(schema *arrow.Schema) (c, h, w int, err error) {
	md := schema.Metadata()
	get := func(key string) (int, error) {
		i := md.FindKey(key)
		if i < 0 {
			return 0, fmt.Errorf("sample schema is missing %s", key)
		}
		return strconv.Atoi(md.Values()[i])
	}
	if c, err = get(metaImageC); err != nil {
		return
	}
	if h, err = get(metaImageH); err != nil {
		return
	}
	w, err = get(metaImageW)
	return
}

// WriteArrowFile stores samples as an Arrow IPC file.
func WriteArrowFile(path string, samples []batch.Sample) error {
	pool := memory.NewGoAllocator()
	rec, err := buildRecord(pool, samples)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(pool))
	if err != nil {
		return fmt.Errorf("failed to create arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return f.Sync()
}

// ReadArrowFile loads every sample from an Arrow IPC file.
func ReadArrowFile(path string) ([]batch.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to read arrow file %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	var samples []batch.Sample
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d of %s: %w", i, path, err)
		}
		if samples, err = appendSamples(samples, rec); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return samples, nil
}

// OpenArrowDir loads train.arrow and val.arrow from dir.
func OpenArrowDir(dir string) (*Memory, error) {
	train, err := ReadArrowFile(filepath.Join(dir, SplitFile(Train)))
	if err != nil {
		return nil, err
	}
	val, err := ReadArrowFile(filepath.Join(dir, SplitFile(Val)))
	if err != nil {
		return nil, err
	}
	return NewMemory(train, val), nil
}

// WriteArrowDir is the inverse of OpenArrowDir.
func WriteArrowDir(dir string, m *Memory) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, split := range []Split{Train, Val} {
		if err := WriteArrowFile(filepath.Join(dir, SplitFile(split)), m.Samples(split)); err != nil {
			return err
		}
	}
	return nil
}

func toInt32(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func fromInt32(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
