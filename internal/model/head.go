package model

import (
	"context"
	"errors"
)

const (
	// ImageSize is the square input edge the quality networks expect.
	ImageSize = 224
	// Channels is the number of color channels per pixel (RGB).
	Channels = 3
	// Buckets is the number of ordered quality buckets (scores 1..10).
	Buckets = 10
)

// ErrWeightsLoad is returned when a weight artifact is missing or cannot be
// turned into an inference session.
var ErrWeightsLoad = errors.New("weights load failed")

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Head is a single pretrained quality classifier. Implementations must be safe
// for concurrent Infer calls once LoadWeights has returned.
type Head interface {
	LoadWeights(path string) error
	// Infer maps an NHWC input of shape [n, 224, 224, 3] to per-row bucket
	// probabilities of shape [n, 10].
	Infer(ctx context.Context, input Tensor) (Tensor, error)
}

// PreprocessFunc normalizes raw 0..255 RGB values in place.
type PreprocessFunc func(pixels []float32)

// Preprocessor is implemented by heads that know their input normalization.
type Preprocessor interface {
	Preprocess() PreprocessFunc
}

// MobileNetPreprocess scales pixels from [0, 255] to [-1, 1].
func MobileNetPreprocess(pixels []float32) {
	for i, v := range pixels {
		pixels[i] = v/127.5 - 1
	}
}
