package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/iqa-scorer/internal/generator"
	"github.com/Brownie44l1/iqa-scorer/internal/model"
)

const (
	defaultWorkers      = 8
	defaultInferTimeout = 2 * time.Minute
)

// Scorer runs a generator's batches through one head.
type Scorer struct {
	// Workers bounds concurrently built and inferred batches. One runs batches
	// sequentially through a single iterator.
	Workers      int
	InferTimeout time.Duration
	logger       *zap.Logger
}

// NewScorer returns a scorer; zero values fall back to 8 workers and a two
// minute per-batch deadline.
func NewScorer(workers int, inferTimeout time.Duration, logger *zap.Logger) *Scorer {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if inferTimeout <= 0 {
		inferTimeout = defaultInferTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{Workers: workers, InferTimeout: inferTimeout, logger: logger}
}

// Score returns one distribution per sample of gen, in sample order. The first
// failing batch cancels the remaining work.
func (s *Scorer) Score(ctx context.Context, gen *generator.Generator, head model.Head) ([]Distribution, error) {
	dists := make([]Distribution, gen.NumSamples())
	batchSize := gen.Config().BatchSize

	if s.Workers <= 1 || gen.Len() <= 1 {
		it := gen.Batches()
		for {
			b, err := it.Next(ctx)
			if errors.Is(err, io.EOF) {
				return dists, nil
			}
			if err != nil {
				return nil, err
			}
			if err := s.scoreBatch(ctx, head, b, dists[b.Index*batchSize:]); err != nil {
				return nil, err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for i := 0; i < gen.Len(); i++ {
		i := i
		g.Go(func() error {
			b, err := gen.Batch(gctx, i)
			if err != nil {
				return err
			}
			return s.scoreBatch(gctx, head, b, dists[i*batchSize:])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dists, nil
}

// scoreBatch infers b and writes its distributions to the front of dst.
func (s *Scorer) scoreBatch(ctx context.Context, head model.Head, b *generator.Batch, dst []Distribution) error {
	inferCtx, cancel := context.WithTimeout(ctx, s.InferTimeout)
	defer cancel()

	started := time.Now()
	out, err := head.Infer(inferCtx, b.Tensor())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: batch %d after %s", ErrInferenceTimeout, b.Index, s.InferTimeout)
		}
		return fmt.Errorf("batch %d: %w", b.Index, err)
	}

	batchDists, err := MeanOverCrops(out, b.Len(), b.Crops)
	if err != nil {
		return fmt.Errorf("batch %d: %w", b.Index, err)
	}
	copy(dst, batchDists)

	s.logger.Debug("batch scored",
		zap.Int("batch", b.Index),
		zap.Int("images", b.Len()),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}
