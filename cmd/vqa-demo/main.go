package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/checkpoint"
	"github.com/23skdu/longbow-vqa/internal/dataset"
	"github.com/23skdu/longbow-vqa/internal/logger"
	"github.com/23skdu/longbow-vqa/internal/trainer"
)

type options struct {
	checkpoint string
	source     dataset.Source
	samples    int
	seed       uint64
}

func main() {
	opts := options{source: dataset.Source{Synthetic: dataset.DefaultSyntheticConfig()}}
	flag.StringVar(&opts.checkpoint, "checkpoint", filepath.Join("checkpoints", checkpoint.BestName), "Checkpoint to load")
	flag.StringVar(&opts.source.Dir, "data", "", "Arrow dataset directory (synthetic corpus when empty)")
	flag.StringVar(&opts.source.FlightAddr, "flight", "", "Arrow Flight dataset endpoint")
	flag.StringVar(&opts.source.VocabPath, "vocab", "", "Vocabulary file (defaults to <data>/vocab.json)")
	flag.IntVar(&opts.samples, "n", 10, "Validation samples to show")
	flag.Uint64Var(&opts.seed, "seed", 7, "Sampling seed")
	flag.Parse()

	log := logger.New("info", "console", os.Stderr)
	if err := run(opts, os.Stdout, log); err != nil {
		log.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(opts options, out io.Writer, log *logger.Logger) error {
	st, err := checkpoint.Load(opts.checkpoint)
	if err != nil {
		return err
	}
	m, err := st.BuildModel()
	if err != nil {
		return err
	}
	log.Info("checkpoint loaded", "path", opts.checkpoint, "epoch", st.Epoch, "best_score", st.BestScore, "run_id", st.RunID)

	data, vocab, err := opts.source.Open(context.Background())
	if err != nil {
		return err
	}
	if vocab.Size() != st.Model.VocabSize {
		return fmt.Errorf("vocabulary has %d tokens, checkpoint expects %d", vocab.Size(), st.Model.VocabSize)
	}

	val := data.Samples(dataset.Val)
	n := min(opts.samples, len(val))
	if n <= 0 {
		return fmt.Errorf("no validation samples to show")
	}
	r := rand.New(rand.NewPCG(opts.seed, opts.seed))
	picked := make([]batch.Sample, n)
	for i, idx := range r.Perm(len(val))[:n] {
		picked[i] = val[idx]
	}
	bt := batch.New(vocab.PadID())
	b, err := bt.Collate(picked)
	if err != nil {
		return err
	}

	preds, err := trainer.Predict(m, b, vocab.EOSID())
	if err != nil {
		return err
	}
	correct := 0
	for i, s := range picked {
		want := vocab.Decode(s.Answer)
		got := vocab.Decode(preds[i])
		if want == got {
			correct++
		}
		fmt.Fprintf(out, "[%d] question: %s\n    target:   %s\n    predict:  %s\n",
			s.Index, vocab.Decode(s.Question), want, got)
	}
	fmt.Fprintf(out, "exact match: %d/%d\n", correct, n)

	res, err := trainer.Score(m, bt, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "token accuracy: %.4f (%d/%d)\n", res.Accuracy, res.Correct, res.Valid)
	return nil
}
