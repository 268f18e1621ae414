package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/clipvec/clipvec-extraction-service/internal/feature"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/config"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/featfile"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/ffmpeg"
	"github.com/clipvec/clipvec-extraction-service/internal/infra/onnx"
	"github.com/clipvec/clipvec-extraction-service/internal/usecase"
	"github.com/clipvec/clipvec-extraction-service/internal/vision"
	"github.com/clipvec/clipvec-extraction-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app := &cli.Command{
		Name:  "clipvec-extract",
		Usage: "Extract crop-augmented clip embeddings for every video under a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dataset-path",
				Aliases: []string{"i"},
				Usage:   "Root directory scanned recursively for videos",
				Value:   "samplevideos",
			},
			&cli.StringFlag{
				Name:    "output-path",
				Aliases: []string{"o"},
				Usage:   "Directory where per-video .npy feature arrays are written",
				Value:   "output",
			},
			&cli.StringFlag{
				Name:  "feature",
				Usage: "Feature extractor variant: I3D or C3D",
				Value: cfg.FeatureVariant,
			},
			&cli.StringFlag{
				Name:  "model-path",
				Usage: "ONNX model export; empty means pretrained/<variant>.onnx",
				Value: cfg.ModelPath,
			},
			&cli.StringFlag{
				Name:  "onnx-lib",
				Usage: "Path of the onnxruntime shared library, if not on the default search path",
				Value: cfg.ONNXLibPath,
			},
			&cli.IntFlag{
				Name:  "clip-length",
				Usage: "Frames per clip window",
				Value: int64(cfg.ClipLength),
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Upper bound on clips per model batch",
				Value: int64(cfg.BatchSize),
			},
			&cli.IntFlag{
				Name:  "frequency",
				Usage: "Stride between clip window starts",
				Value: int64(cfg.Frequency),
			},
			&cli.IntFlag{
				Name:  "resize-short",
				Usage: "Shorter-side size frames are resized to before cropping",
				Value: int64(cfg.ResizeShort),
			},
			&cli.StringFlag{
				Name:  "video-ext",
				Usage: "Video file extension to scan for",
				Value: cfg.VideoExt,
			},
			&cli.IntFlag{
				Name:  "decode-workers",
				Usage: "Parallel frame writers during decoding",
				Value: int64(cfg.DecodeWorkers),
			},
			&cli.StringFlag{
				Name:  "frame-format",
				Usage: "Scratch frame encoding: jpg or png",
				Value: cfg.FrameFormat,
			},
			&cli.StringFlag{
				Name:  "temp-dir",
				Usage: "Root for per-video scratch directories",
				Value: cfg.TempDir,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
				Value: cfg.LogLevel,
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	for _, name := range []string{"clip-length", "batch-size", "frequency", "resize-short", "decode-workers"} {
		if cmd.Int(name) <= 0 {
			return cli.Exit(name+" must be greater than zero", 2)
		}
	}

	zlog, err := logger.New(cmd.String("log-level"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer zlog.Sync()

	extractor, err := onnx.NewExtractor(onnx.Config{
		Variant:     cmd.String("feature"),
		ModelPath:   cmd.String("model-path"),
		LibraryPath: cmd.String("onnx-lib"),
	}, zlog)
	if err != nil {
		return fmt.Errorf("loading feature model: %w", err)
	}
	defer extractor.Close()

	loader, err := vision.NewLoader(int(cmd.Int("resize-short")))
	if err != nil {
		return err
	}

	aggregator := feature.NewAggregator(loader, extractor, feature.Params{
		ClipLength: int(cmd.Int("clip-length")),
		BatchSize:  int(cmd.Int("batch-size")),
		Frequency:  int(cmd.Int("frequency")),
	}, zlog)

	store, err := featfile.New(cmd.String("output-path"))
	if err != nil {
		return err
	}

	decoder := ffmpeg.NewDecoder(cmd.String("frame-format"), int(cmd.Int("decode-workers")), zlog)

	uc := usecase.NewExtractVideoFeatures(decoder, aggregator, store, cmd.String("temp-dir"), zlog)

	summary, err := uc.RunDir(ctx, cmd.String("dataset-path"), cmd.String("video-ext"))
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d videos failed", summary.Failed, summary.Failed+summary.Processed), 1)
	}

	return nil
}
