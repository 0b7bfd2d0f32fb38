package scoring

import (
	"fmt"

	"github.com/Brownie44l1/iqa-scorer/internal/model"
)

// Distribution is a probability distribution over the ordered quality buckets
// 1..10. Index k holds the probability of score k+1.
type Distribution [model.Buckets]float64

// Reduce returns the expected score of d, sum of k*d[k-1] for k in 1..10.
func Reduce(d Distribution) float64 {
	var score float64
	for i, p := range d {
		score += float64(i+1) * p
	}
	return score
}

func ReduceAll(ds []Distribution) []float64 {
	out := make([]float64, len(ds))
	for i, d := range ds {
		out[i] = Reduce(d)
	}
	return out
}

// MeanOverCrops turns raw per-crop output [images*crops, 10] into one
// distribution per image by averaging each image's crops.
func MeanOverCrops(out model.Tensor, images, crops int) ([]Distribution, error) {
	rows := images * crops
	if len(out.Shape) != 2 || out.Shape[0] != int64(rows) || out.Shape[1] != model.Buckets {
		return nil, fmt.Errorf("%w: expected shape [%d %d], got %v", ErrBadOutput, rows, model.Buckets, out.Shape)
	}
	if len(out.Data) != rows*model.Buckets {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrBadOutput, rows*model.Buckets, len(out.Data))
	}

	dists := make([]Distribution, images)
	for img := 0; img < images; img++ {
		d := &dists[img]
		for c := 0; c < crops; c++ {
			row := out.Data[(img*crops+c)*model.Buckets:]
			for k := 0; k < model.Buckets; k++ {
				d[k] += float64(row[k])
			}
		}
		for k := range d {
			d[k] /= float64(crops)
		}
	}
	return dists, nil
}
