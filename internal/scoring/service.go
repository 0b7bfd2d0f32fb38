package scoring

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"time"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/Brownie44l1/iqa-scorer/internal/generator"
	"github.com/Brownie44l1/iqa-scorer/internal/logging"
	"github.com/Brownie44l1/iqa-scorer/internal/model"
	"github.com/Brownie44l1/iqa-scorer/internal/samples"
)

// Head names, also used as weight file stems.
const (
	TechnicalHead = "technical"
	AestheticHead = "aesthetic"
)

// DefaultWeightsExt is the weight artifact extension.
const DefaultWeightsExt = "onnx"

// Options configures a Service.
type Options struct {
	Generator    generator.Config
	Workers      int
	InferTimeout time.Duration
}

// DefaultOptions returns the default generator settings with 8 workers and a
// two minute per-batch inference deadline.
func DefaultOptions() Options {
	return Options{
		Generator:    generator.DefaultConfig(),
		Workers:      defaultWorkers,
		InferTimeout: defaultInferTimeout,
	}
}

// Service owns the technical and aesthetic heads. It is built once at startup
// and only read afterwards, so it can be shared by concurrent requests.
type Service struct {
	technical model.Head
	aesthetic model.Head
	opts      Options
	scorer    *Scorer
	logger    *zap.Logger
}

// NewService wraps two loaded heads. When opts carries no preprocessing
// function the technical head's is used, falling back to MobileNet scaling.
func NewService(technical, aesthetic model.Head, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Generator.Preprocess == nil {
		opts.Generator.Preprocess = model.MobileNetPreprocess
		if p, ok := technical.(model.Preprocessor); ok {
			opts.Generator.Preprocess = p.Preprocess()
		}
	}
	logger = logger.Named("scoring")
	return &Service{
		technical: technical,
		aesthetic: aesthetic,
		opts:      opts,
		scorer:    NewScorer(opts.Workers, opts.InferTimeout, logger),
		logger:    logger,
	}
}

// WeightsPath returns dir/head.ext.
func WeightsPath(dir, head, ext string) string {
	if ext == "" {
		ext = DefaultWeightsExt
	}
	return filepath.Join(dir, head+"."+ext)
}

// LoadService builds both heads from weightsDir. Any failure is wrapped in
// model.ErrWeightsLoad and leaves nothing loaded.
func LoadService(rt *model.Runtime, weightsDir, ext string, opts Options, logger *zap.Logger) (*Service, error) {
	meta, err := model.LoadMetadata(filepath.Join(weightsDir, model.MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrWeightsLoad, err)
	}

	technical := rt.NewHead(TechnicalHead, meta)
	if err := technical.LoadWeights(WeightsPath(weightsDir, TechnicalHead, ext)); err != nil {
		return nil, err
	}

	aesthetic := rt.NewHead(AestheticHead, meta)
	if err := aesthetic.LoadWeights(WeightsPath(weightsDir, AestheticHead, ext)); err != nil {
		technical.Close()
		return nil, err
	}

	if logger != nil {
		techIn, techOut := technical.TensorNames()
		aesIn, aesOut := aesthetic.TensorNames()
		logger.Info("model heads loaded",
			zap.String("weights_dir", weightsDir),
			zap.String("ext", ext),
			zap.Strings("technical_io", []string{techIn, techOut}),
			zap.Strings("aesthetic_io", []string{aesIn, aesOut}))
	}
	return NewService(technical, aesthetic, opts, logger), nil
}

// PredictSamples scores every sample found in dir and returns the records in
// sample order. The technical and aesthetic passes each start a fresh
// traversal of the same generator.
func (s *Service) PredictSamples(ctx context.Context, dir string, list []samples.Sample) ([]ScoredRecord, error) {
	gen, err := generator.New(dir, list, s.opts.Generator)
	if err != nil {
		return nil, logging.NewOperationError("scoring.new_generator", "", err)
	}

	s.logger.Info("scoring samples",
		zap.String("dir", dir),
		zap.Int("samples", gen.NumSamples()),
		zap.Int("batches", gen.Len()))

	technical, err := s.runHead(ctx, gen, TechnicalHead, s.technical)
	if err != nil {
		return nil, err
	}
	aesthetic, err := s.runHead(ctx, gen, AestheticHead, s.aesthetic)
	if err != nil {
		return nil, err
	}

	return Assemble(list, ReduceAll(technical), ReduceAll(aesthetic))
}

func (s *Service) runHead(ctx context.Context, gen *generator.Generator, name string, head model.Head) ([]Distribution, error) {
	started := time.Now()
	dists, err := s.scorer.Score(ctx, gen, head)
	if err != nil {
		return nil, logging.NewOperationError("scoring.predict_"+name, "", err)
	}
	s.logger.Info("head finished",
		zap.String("head", name),
		zap.Duration("elapsed", time.Since(started)))
	return dists, nil
}

// InputLen is the number of raw pixel values ScorePixels expects.
func (s *Service) InputLen() int {
	return model.ImageSize * model.ImageSize * model.Channels
}

// ScoreImage scores a single image resized to the network input size without
// cropping.
func (s *Service) ScoreImage(ctx context.Context, img image.Image) (Scores, error) {
	b := img.Bounds()
	if b.Dx() != model.ImageSize || b.Dy() != model.ImageSize {
		img = resize.Resize(model.ImageSize, model.ImageSize, img, resize.Lanczos3)
	}
	return s.ScorePixels(ctx, generator.Pixels(img))
}

// ScorePixels scores one HWC RGB image of raw 0..255 values.
func (s *Service) ScorePixels(ctx context.Context, pixels []float32) (Scores, error) {
	if len(pixels) != s.InputLen() {
		return Scores{}, fmt.Errorf("expected %d values, got %d", s.InputLen(), len(pixels))
	}

	data := make([]float32, len(pixels))
	copy(data, pixels)
	s.opts.Generator.Preprocess(data)
	input := model.Tensor{
		Shape: []int64{1, model.ImageSize, model.ImageSize, model.Channels},
		Data:  data,
	}

	technical, err := s.scoreOne(ctx, s.technical, input)
	if err != nil {
		return Scores{}, logging.NewOperationError("scoring.score_"+TechnicalHead, "", err)
	}
	aesthetic, err := s.scoreOne(ctx, s.aesthetic, input)
	if err != nil {
		return Scores{}, logging.NewOperationError("scoring.score_"+AestheticHead, "", err)
	}
	return Scores{Technical: technical, Aesthetic: aesthetic}, nil
}

func (s *Service) scoreOne(ctx context.Context, head model.Head, input model.Tensor) (float64, error) {
	inferCtx, cancel := context.WithTimeout(ctx, s.scorer.InferTimeout)
	defer cancel()

	out, err := head.Infer(inferCtx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("%w after %s", ErrInferenceTimeout, s.scorer.InferTimeout)
		}
		return 0, err
	}
	dists, err := MeanOverCrops(out, 1, 1)
	if err != nil {
		return 0, err
	}
	return Reduce(dists[0]), nil
}

// Close releases heads that hold native resources.
func (s *Service) Close() error {
	var errs []error
	for _, head := range []model.Head{s.technical, s.aesthetic} {
		if c, ok := head.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
