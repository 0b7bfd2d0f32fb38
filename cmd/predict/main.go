package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Brownie44l1/iqa-scorer/internal/config"
	"github.com/Brownie44l1/iqa-scorer/internal/logging"
	"github.com/Brownie44l1/iqa-scorer/internal/model"
	"github.com/Brownie44l1/iqa-scorer/internal/samples"
	"github.com/Brownie44l1/iqa-scorer/internal/scoring"
)

type predictor interface {
	PredictSamples(ctx context.Context, dir string, list []samples.Sample) ([]scoring.ScoredRecord, error)
}

type options struct {
	weightsDir      string
	imageSource     string
	predictionsFile string
	imgFormat       string
	configPath      string
	ortLib          string
	batchSize       int
	crops           int
	workers         int
	verbose         bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	opts := &options{}
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.weightsDir, "weights-dir", "", "directory holding the technical and aesthetic weights (required)")
	fs.StringVar(&opts.weightsDir, "w", "", "shorthand for --weights-dir")
	fs.StringVar(&opts.imageSource, "image-source", "", "image file or directory of images (required)")
	fs.StringVar(&opts.imageSource, "is", "", "shorthand for --image-source")
	fs.StringVar(&opts.predictionsFile, "predictions-file", "", "also write predictions to this JSON file")
	fs.StringVar(&opts.predictionsFile, "pf", "", "shorthand for --predictions-file")
	fs.StringVar(&opts.imgFormat, "img-format", samples.DefaultFormat, "comma separated image extensions to enumerate")
	fs.StringVar(&opts.configPath, "config", "", "path to a JSON config file")
	fs.StringVar(&opts.ortLib, "ort-lib", "", "path to the onnxruntime shared library")
	fs.IntVar(&opts.batchSize, "batch-size", 0, "images per batch")
	fs.IntVar(&opts.crops, "crops", 0, "crops per image (1-10)")
	fs.IntVar(&opts.workers, "workers", 0, "concurrent batches per head")
	fs.BoolVar(&opts.verbose, "verbose", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if opts.weightsDir == "" || opts.imageSource == "" {
		fs.Usage()
		return nil, nil, errors.New("--weights-dir and --image-source are required")
	}
	return opts, fs, nil
}

// loadConfig layers the config file, the environment and explicitly set flags.
func loadConfig(opts *options, fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Model.WeightsDir = opts.weightsDir

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "img-format":
			cfg.Generator.ImageFormat = opts.imgFormat
		case "ort-lib":
			cfg.Model.LibraryPath = opts.ortLib
		case "batch-size":
			cfg.Generator.BatchSize = opts.batchSize
		case "crops":
			cfg.Generator.CropsPerImage = opts.crops
		case "workers":
			cfg.Model.Workers = opts.workers
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg, err := loadConfig(opts, fs)
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger, err := logging.NewLogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := model.NewRuntime(cfg.RuntimeOptions())
	if err != nil {
		logger.Error("failed to initialize onnx runtime", zap.Error(err))
		return 1
	}
	defer rt.Close()

	service, err := scoring.LoadService(rt, cfg.Model.WeightsDir, cfg.Model.WeightsExt, cfg.ScoringOptions(), logger)
	if err != nil {
		logger.Error("failed to load model weights", zap.Error(err), zap.String("weights_dir", cfg.Model.WeightsDir))
		return 1
	}
	defer service.Close()

	formats := samples.ParseFormats(cfg.Generator.ImageFormat)
	if err := predict(ctx, service, opts.imageSource, formats, stdout, opts.predictionsFile, logger); err != nil {
		logger.Error("prediction failed", zap.Error(err), zap.String("image_source", opts.imageSource))
		return 1
	}
	return 0
}

// predict enumerates source, scores it and writes the records to stdout and,
// when set, to predictionsFile. A source with no matching images is reported
// as a warning and produces an empty array.
func predict(ctx context.Context, p predictor, source string, formats []string, stdout io.Writer, predictionsFile string, logger *zap.Logger) error {
	dir, list, err := samples.Enumerate(source, formats...)
	records := []scoring.ScoredRecord{}
	switch {
	case errors.Is(err, samples.ErrEmptyResult):
		logger.Warn("no images to score", zap.String("image_source", source), zap.Strings("formats", formats))
	case err != nil:
		return err
	default:
		logger.Info("scoring images", zap.String("dir", dir), zap.Int("count", len(list)))
		if records, err = p.PredictSamples(ctx, dir, list); err != nil {
			return err
		}
	}

	if err := scoring.WriteJSON(stdout, records); err != nil {
		return err
	}
	if predictionsFile != "" {
		if err := scoring.SaveJSON(predictionsFile, records); err != nil {
			return err
		}
		logger.Info("predictions saved", zap.String("path", predictionsFile), zap.Int("count", len(records)))
	}
	return nil
}
