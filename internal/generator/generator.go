// Package generator produces batches of preprocessed multi-crop tensors for a
// fixed list of samples.
//
// A Generator is immutable once built. Every call to Batches starts a new
// traversal at batch zero, so the technical and aesthetic passes each walk the
// same images in the same order without sharing cursor state. Batch gives
// random access for callers that build batches on several workers.
package generator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Brownie44l1/iqa-scorer/internal/imageio"
	"github.com/Brownie44l1/iqa-scorer/internal/logging"
	"github.com/Brownie44l1/iqa-scorer/internal/model"
	"github.com/Brownie44l1/iqa-scorer/internal/samples"
)

var (
	// ErrImageNotFound means a sample's file does not exist.
	ErrImageNotFound = errors.New("image not found")
	// ErrImageLoad means a sample's file could not be read or decoded in time.
	ErrImageLoad = errors.New("image load failed")
)

// Config controls batch shape and preprocessing.
type Config struct {
	BatchSize     int
	CropsPerImage int
	// ImageSize is the crop edge in pixels.
	ImageSize int
	// ResizeTo is the shorter-side length images are resized to before cropping.
	ResizeTo int
	// ImageFormat locates files for samples that carry no format of their own.
	ImageFormat string
	Preprocess  model.PreprocessFunc
	LoadTimeout time.Duration
}

// DefaultConfig returns the settings the quality heads were evaluated with.
func DefaultConfig() Config {
	return Config{
		BatchSize:     64,
		CropsPerImage: MaxCrops,
		ImageSize:     model.ImageSize,
		ResizeTo:      256,
		ImageFormat:   samples.DefaultFormat,
		Preprocess:    model.MobileNetPreprocess,
		LoadTimeout:   30 * time.Second,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.CropsPerImage < 1 || c.CropsPerImage > MaxCrops {
		return fmt.Errorf("crops per image must be between 1 and %d, got %d", MaxCrops, c.CropsPerImage)
	}
	if c.ImageSize != model.ImageSize {
		return fmt.Errorf("image size must be %d, got %d", model.ImageSize, c.ImageSize)
	}
	if c.ImageFormat == "" {
		return errors.New("image format cannot be empty")
	}
	return nil
}

// Batch holds the crops of up to BatchSize images, flattened in NHWC order as
// [len(ImageIDs)*Crops, Size, Size, 3].
type Batch struct {
	Index    int
	ImageIDs []string
	Crops    int
	Size     int
	Data     []float32
}

func (b *Batch) Len() int { return len(b.ImageIDs) }

// Tensor returns the batch as network input.
func (b *Batch) Tensor() model.Tensor {
	return model.Tensor{
		Shape: []int64{int64(b.Len() * b.Crops), int64(b.Size), int64(b.Size), model.Channels},
		Data:  b.Data,
	}
}

// Generator builds batches for one immutable sample list.
type Generator struct {
	dir     string
	samples []samples.Sample
	cfg     Config
}

// New returns a generator over list, reading files from dir.
func New(dir string, list []samples.Sample, cfg Config) (*Generator, error) {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultConfig().LoadTimeout
	}
	if cfg.ResizeTo <= 0 {
		cfg.ResizeTo = DefaultConfig().ResizeTo
	}
	if cfg.Preprocess == nil {
		cfg.Preprocess = model.MobileNetPreprocess
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	owned := make([]samples.Sample, len(list))
	copy(owned, list)
	return &Generator{dir: dir, samples: owned, cfg: cfg}, nil
}

// Len returns the number of batches in one traversal.
func (g *Generator) Len() int {
	return (len(g.samples) + g.cfg.BatchSize - 1) / g.cfg.BatchSize
}

func (g *Generator) NumSamples() int { return len(g.samples) }

func (g *Generator) Config() Config { return g.cfg }

// Batch builds batch i. Any image failure aborts the whole batch.
func (g *Generator) Batch(ctx context.Context, i int) (*Batch, error) {
	if i < 0 || i >= g.Len() {
		return nil, fmt.Errorf("batch index %d out of range [0, %d)", i, g.Len())
	}

	start := i * g.cfg.BatchSize
	end := min(start+g.cfg.BatchSize, len(g.samples))
	chunk := g.samples[start:end]

	size, crops := g.cfg.ImageSize, g.cfg.CropsPerImage
	perImage := crops * size * size * model.Channels
	batch := &Batch{
		Index:    i,
		ImageIDs: make([]string, 0, len(chunk)),
		Crops:    crops,
		Size:     size,
		Data:     make([]float32, 0, len(chunk)*perImage),
	}

	for _, sample := range chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := g.loadImage(ctx, sample)
		if err != nil {
			return nil, logging.NewImageError("generator.load_image", sample.ImageID, err)
		}

		offset := len(batch.Data)
		for _, crop := range MultiCrop(img, crops, size, g.cfg.ResizeTo) {
			batch.Data = appendPixels(batch.Data, crop)
		}
		g.cfg.Preprocess(batch.Data[offset:])
		batch.ImageIDs = append(batch.ImageIDs, sample.ImageID)
	}
	return batch, nil
}

type loadResult struct {
	img image.Image
	err error
}

func (g *Generator) loadImage(ctx context.Context, sample samples.Sample) (image.Image, error) {
	path := filepath.Join(g.dir, sample.FileName(g.cfg.ImageFormat))
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.LoadTimeout)
	defer cancel()

	done := make(chan loadResult, 1)
	go func() {
		img, err := imageio.Open(path)
		done <- loadResult{img: img, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrImageLoad, path, ctx.Err())
	case res := <-done:
		if errors.Is(res.err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrImageLoad, res.err)
		}
		return res.img, nil
	}
}

// Batches starts a new traversal at batch zero.
func (g *Generator) Batches() *Iterator {
	return &Iterator{gen: g}
}

// Iterator walks a generator's batches in order. It is not safe for
// concurrent use; start one iterator per traversal.
type Iterator struct {
	gen  *Generator
	next int
}

// Next returns the next batch, or io.EOF after the last one.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	if it.next >= it.gen.Len() {
		return nil, io.EOF
	}
	b, err := it.gen.Batch(ctx, it.next)
	if err != nil {
		return nil, err
	}
	it.next++
	return b, nil
}
