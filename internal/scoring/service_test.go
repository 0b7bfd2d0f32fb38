package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"image/color"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/Brownie44l1/iqa-scorer/internal/generator"
	"github.com/Brownie44l1/iqa-scorer/internal/model"
	"github.com/Brownie44l1/iqa-scorer/internal/samples"
)

type inferCall struct {
	shape    string
	checksum uint64
}

// stubHead returns the same distribution for every input row, or a
// distribution chosen by the row's first pixel when byShade is set.
type stubHead struct {
	mu      sync.Mutex
	dist    [model.Buckets]float32
	byShade bool
	delay   func(model.Tensor) time.Duration
	outRows int64
	err     error
	calls   []inferCall
}

func (h *stubHead) LoadWeights(string) error { return nil }

func (h *stubHead) Infer(ctx context.Context, in model.Tensor) (model.Tensor, error) {
	sum := fnv.New64a()
	for _, v := range in.Data {
		bits := math.Float32bits(v)
		sum.Write([]byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)})
	}
	h.mu.Lock()
	h.calls = append(h.calls, inferCall{shape: fmt.Sprint(in.Shape), checksum: sum.Sum64()})
	h.mu.Unlock()

	if h.delay != nil {
		select {
		case <-ctx.Done():
			return model.Tensor{}, ctx.Err()
		case <-time.After(h.delay(in)):
		}
	}
	if h.err != nil {
		return model.Tensor{}, h.err
	}

	rows := in.Shape[0]
	if h.outRows != 0 {
		rows = h.outRows
	}
	rowLen := in.Len() / int(in.Shape[0])
	out := make([]float32, 0, int(rows)*model.Buckets)
	for r := 0; r < int(rows); r++ {
		if !h.byShade {
			out = append(out, h.dist[:]...)
			continue
		}
		var d [model.Buckets]float32
		bucket := int(in.Data[r*rowLen]/40 + 0.5)
		d[min(bucket, model.Buckets-1)] = 1
		out = append(out, d[:]...)
	}
	return model.Tensor{Shape: []int64{rows, model.Buckets}, Data: out}, nil
}

func (h *stubHead) recorded() []inferCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]inferCall(nil), h.calls...)
}

func writeShades(t *testing.T, n int) (string, []samples.Sample) {
	t.Helper()
	dir := t.TempDir()
	var list []samples.Sample
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("img%d", i)
		img := imaging.New(48, 32, color.NRGBA{uint8(i * 40), 90, 30, 255})
		if err := imaging.Save(img, filepath.Join(dir, id+".png")); err != nil {
			t.Fatal(err)
		}
		list = append(list, samples.Sample{ImageID: id, Format: "png"})
	}
	return dir, list
}

func testOptions(batchSize, crops, workers int) Options {
	opts := DefaultOptions()
	opts.Generator.BatchSize = batchSize
	opts.Generator.CropsPerImage = crops
	opts.Generator.Preprocess = func([]float32) {}
	opts.Workers = workers
	return opts
}

func TestPredictSamplesEndToEnd(t *testing.T) {
	dir, list := writeShades(t, 2)
	technical := &stubHead{dist: [model.Buckets]float32{4: 0.5, 5: 0.5}}
	aesthetic := &stubHead{dist: [model.Buckets]float32{6: 1}}
	svc := NewService(technical, aesthetic, testOptions(64, generator.MaxCrops, 1), zap.NewNop())

	records, err := svc.PredictSamples(context.Background(), dir, list)
	if err != nil {
		t.Fatalf("PredictSamples failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, records); err != nil {
		t.Fatal(err)
	}
	var decoded []ScoredRecord
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(decoded))
	}
	for i, rec := range decoded {
		if rec.ImageID != list[i].ImageID {
			t.Errorf("record %d: expected id %s, got %s", i, list[i].ImageID, rec.ImageID)
		}
		if rec.Technical != 5.5 {
			t.Errorf("record %d: expected technical 5.5, got %v", i, rec.Technical)
		}
		if rec.Aesthetic != 7 {
			t.Errorf("record %d: expected aesthetic 7, got %v", i, rec.Aesthetic)
		}
	}

	techCalls, aesCalls := technical.recorded(), aesthetic.recorded()
	if len(techCalls) != 1 || len(aesCalls) != 1 {
		t.Fatalf("expected one call per head, got %d and %d", len(techCalls), len(aesCalls))
	}
	wantShape := fmt.Sprint([]int64{2 * generator.MaxCrops, model.ImageSize, model.ImageSize, model.Channels})
	if techCalls[0].shape != wantShape {
		t.Errorf("expected shape %s, got %s", wantShape, techCalls[0].shape)
	}
	if techCalls[0] != aesCalls[0] {
		t.Errorf("heads saw different batches: %+v vs %+v", techCalls[0], aesCalls[0])
	}
}

func TestPredictSamplesIdempotent(t *testing.T) {
	dir, list := writeShades(t, 3)

	run := func() ([]byte, []inferCall) {
		technical := &stubHead{dist: [model.Buckets]float32{2: 0.25, 7: 0.75}}
		aesthetic := &stubHead{dist: [model.Buckets]float32{0: 0.5, 9: 0.5}}
		svc := NewService(technical, aesthetic, testOptions(2, 3, 2), zap.NewNop())
		records, err := svc.PredictSamples(context.Background(), dir, list)
		if err != nil {
			t.Fatalf("PredictSamples failed: %v", err)
		}
		var buf bytes.Buffer
		if err := WriteJSON(&buf, records); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes(), technical.recorded()
	}

	first, firstCalls := run()
	second, secondCalls := run()
	if !bytes.Equal(first, second) {
		t.Fatalf("outputs differ:\n%s\n%s", first, second)
	}

	checksums := func(calls []inferCall) map[inferCall]bool {
		set := make(map[inferCall]bool)
		for _, c := range calls {
			set[c] = true
		}
		return set
	}
	a, b := checksums(firstCalls), checksums(secondCalls)
	if len(a) != len(b) {
		t.Fatalf("different number of distinct batches: %d vs %d", len(a), len(b))
	}
	for c := range a {
		if !b[c] {
			t.Fatalf("batch %+v not reproduced on the second run", c)
		}
	}
}

func TestScorePreservesOrderWithParallelWorkers(t *testing.T) {
	dir, list := writeShades(t, 5)
	head := &stubHead{
		byShade: true,
		// Earlier images finish last.
		delay: func(in model.Tensor) time.Duration {
			return time.Duration(200-int(in.Data[0])) * time.Millisecond / 10
		},
	}

	opts := testOptions(1, 1, 4)
	gen, err := generator.New(dir, list, opts.Generator)
	if err != nil {
		t.Fatal(err)
	}
	dists, err := NewScorer(4, time.Minute, zap.NewNop()).Score(context.Background(), gen, head)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	for i, d := range dists {
		if got, want := Reduce(d), float64(i+1); got != want {
			t.Errorf("sample %d: expected score %v, got %v", i, want, got)
		}
	}
}

func TestScoreInferenceTimeout(t *testing.T) {
	dir, list := writeShades(t, 1)
	head := &stubHead{delay: func(model.Tensor) time.Duration { return time.Second }}

	gen, err := generator.New(dir, list, testOptions(1, 1, 1).Generator)
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewScorer(1, 10*time.Millisecond, zap.NewNop()).Score(context.Background(), gen, head)
	if !errors.Is(err, ErrInferenceTimeout) {
		t.Fatalf("expected ErrInferenceTimeout, got %v", err)
	}
}

func TestScoreBadOutput(t *testing.T) {
	dir, list := writeShades(t, 2)
	head := &stubHead{outRows: 1}

	gen, err := generator.New(dir, list, testOptions(2, 1, 1).Generator)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewScorer(1, time.Minute, zap.NewNop()).Score(context.Background(), gen, head); !errors.Is(err, ErrBadOutput) {
		t.Fatalf("expected ErrBadOutput, got %v", err)
	}
}

func TestPredictSamplesFailsFastOnMissingImage(t *testing.T) {
	dir, list := writeShades(t, 3)
	list = append(list, samples.Sample{ImageID: "ghost", Format: "png"})

	technical := &stubHead{dist: [model.Buckets]float32{1}}
	aesthetic := &stubHead{dist: [model.Buckets]float32{1}}
	svc := NewService(technical, aesthetic, testOptions(2, 1, 2), zap.NewNop())

	_, err := svc.PredictSamples(context.Background(), dir, list)
	if !errors.Is(err, generator.ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
	if len(aesthetic.recorded()) != 0 {
		t.Fatal("aesthetic head should not run after the technical pass failed")
	}
}

func TestPredictSamplesPropagatesHeadError(t *testing.T) {
	dir, list := writeShades(t, 1)
	boom := errors.New("boom")
	svc := NewService(&stubHead{err: boom}, &stubHead{}, testOptions(1, 1, 1), zap.NewNop())

	if _, err := svc.PredictSamples(context.Background(), dir, list); !errors.Is(err, boom) {
		t.Fatalf("expected head error, got %v", err)
	}
}

func TestScoreImageResizesToInput(t *testing.T) {
	technical := &stubHead{dist: [model.Buckets]float32{9: 1}}
	aesthetic := &stubHead{dist: [model.Buckets]float32{0: 1}}
	svc := NewService(technical, aesthetic, DefaultOptions(), zap.NewNop())

	scores, err := svc.ScoreImage(context.Background(), imaging.New(500, 300, color.White))
	if err != nil {
		t.Fatalf("ScoreImage failed: %v", err)
	}
	if scores.Technical != 10 || scores.Aesthetic != 1 {
		t.Fatalf("unexpected scores: %+v", scores)
	}

	calls := technical.recorded()
	want := fmt.Sprint([]int64{1, model.ImageSize, model.ImageSize, model.Channels})
	if len(calls) != 1 || calls[0].shape != want {
		t.Fatalf("expected one call with shape %s, got %+v", want, calls)
	}
}

func TestScorePixelsRejectsWrongLength(t *testing.T) {
	svc := NewService(&stubHead{}, &stubHead{}, DefaultOptions(), zap.NewNop())
	if _, err := svc.ScorePixels(context.Background(), make([]float32, 10)); err == nil {
		t.Fatal("expected length error")
	}
}

func TestScorePixelsDoesNotMutateInput(t *testing.T) {
	svc := NewService(&stubHead{dist: [model.Buckets]float32{4: 1}}, &stubHead{dist: [model.Buckets]float32{4: 1}}, DefaultOptions(), zap.NewNop())
	pixels := make([]float32, svc.InputLen())
	pixels[0] = 255

	scores, err := svc.ScorePixels(context.Background(), pixels)
	if err != nil {
		t.Fatalf("ScorePixels failed: %v", err)
	}
	if scores.Technical != 5 || scores.Aesthetic != 5 {
		t.Fatalf("unexpected scores: %+v", scores)
	}
	if pixels[0] != 255 {
		t.Fatalf("input was preprocessed in place: %v", pixels[0])
	}
}

type closingHead struct {
	stubHead
	closed bool
}

func (h *closingHead) Close() error {
	h.closed = true
	return nil
}

func TestServiceCloseReleasesHeads(t *testing.T) {
	technical, aesthetic := &closingHead{}, &closingHead{}
	svc := NewService(technical, aesthetic, DefaultOptions(), nil)
	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !technical.closed || !aesthetic.closed {
		t.Fatal("expected both heads to be closed")
	}
}

func TestWeightsPath(t *testing.T) {
	if got := WeightsPath("/w", TechnicalHead, ""); got != filepath.Join("/w", "technical.onnx") {
		t.Fatalf("unexpected path: %s", got)
	}
}
