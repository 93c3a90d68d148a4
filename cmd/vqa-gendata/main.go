package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/23skdu/longbow-vqa/internal/dataset"
	"github.com/23skdu/longbow-vqa/internal/logger"
)

var (
	outDir    = flag.String("out", "data", "Output directory for train.arrow, val.arrow and vocab.json")
	trainN    = flag.Int("train", 512, "Training samples")
	valN      = flag.Int("val", 128, "Validation samples")
	imageSize = flag.Int("image-size", 4, "Image height and width")
	seed      = flag.Uint64("seed", 7, "Generator seed")
	serveAddr = flag.String("serve", "", "Also serve the corpus over Arrow Flight on this address")
	logLevel  = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	log := logger.New(*logLevel, "console", os.Stderr)

	mem, vocab := dataset.Synthetic(dataset.SyntheticConfig{
		Train:     *trainN,
		Val:       *valN,
		ImageSize: *imageSize,
		Seed:      *seed,
	})
	if err := dataset.WriteArrowDir(*outDir, mem); err != nil {
		log.Error("failed to write dataset", "error", err)
		os.Exit(1)
	}
	if err := vocab.Save(filepath.Join(*outDir, dataset.VocabFile)); err != nil {
		log.Error("failed to write vocabulary", "error", err)
		os.Exit(1)
	}
	log.Info("dataset written", "dir", *outDir, "train", *trainN, "val", *valN, "vocab", vocab.Size())

	if *serveAddr == "" {
		return
	}
	srv := dataset.NewFlightServer(mem)
	if err := srv.Start(*serveAddr); err != nil {
		log.Error("failed to start flight server", "error", err)
		os.Exit(1)
	}
	log.Info("serving dataset over flight", "addr", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")
	srv.Stop()
}
