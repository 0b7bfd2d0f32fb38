package model

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// RuntimeOptions configures the process-wide ONNX Runtime environment.
type RuntimeOptions struct {
	// LibraryPath points at onnxruntime.so/.dylib/.dll. Empty uses the
	// library's platform default.
	LibraryPath string
	// IntraOpThreads bounds per-session threads. Zero keeps the ORT default.
	IntraOpThreads int
}

// Runtime owns the ONNX Runtime environment. Create one per process and
// close it after every head built from it has been closed.
type Runtime struct {
	opts RuntimeOptions
}

// NewRuntime initializes the ONNX Runtime environment.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return &Runtime{opts: opts}, nil
}

// Close tears down the environment.
func (r *Runtime) Close() error {
	return ort.DestroyEnvironment()
}

// NewHead returns an unloaded head; call LoadWeights before Infer.
func (r *Runtime) NewHead(name string, meta Metadata) *ONNXHead {
	return &ONNXHead{name: name, meta: meta, threads: r.opts.IntraOpThreads}
}

// sessionRunner is the part of *ort.DynamicAdvancedSession a head uses.
type sessionRunner interface {
	Run(inputs, outputs []ort.ArbitraryTensor) error
	Destroy() error
}

// ONNXHead runs one exported quality network through a dynamic ONNX session,
// so batch size may vary between calls.
type ONNXHead struct {
	name    string
	meta    Metadata
	threads int

	session    sessionRunner
	inputName  string
	outputName string

	// inflight counts session runs still executing, including runs whose
	// caller gave up on a deadline.
	inflight sync.WaitGroup
}

func (h *ONNXHead) Name() string { return h.name }

// TensorNames returns the bound input and output names once loaded.
func (h *ONNXHead) TensorNames() (input, output string) { return h.inputName, h.outputName }

// Preprocess returns the MobileNet normalization both NIMA heads were trained with.
func (h *ONNXHead) Preprocess() PreprocessFunc { return MobileNetPreprocess }

// LoadWeights creates the inference session for the ONNX file at path.
func (h *ONNXHead) LoadWeights(path string) error {
	if h.session != nil {
		return fmt.Errorf("%w: %s head already loaded", ErrWeightsLoad, h.name)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWeightsLoad, path, err)
	}

	inputName, outputName := h.meta.InputName, h.meta.OutputName
	if inputName == "" || outputName == "" {
		inputs, outputs, err := ort.GetInputOutputInfo(path)
		if err != nil {
			return fmt.Errorf("%w: failed to inspect %s: %w", ErrWeightsLoad, path, err)
		}
		if len(inputs) != 1 || len(outputs) != 1 {
			return fmt.Errorf("%w: %s: expected 1 input and 1 output, got %d and %d",
				ErrWeightsLoad, path, len(inputs), len(outputs))
		}
		if inputName == "" {
			inputName = inputs[0].Name
		}
		if outputName == "" {
			outputName = outputs[0].Name
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("%w: failed to create session options: %w", ErrWeightsLoad, err)
	}
	defer options.Destroy()
	if h.threads > 0 {
		if err := options.SetIntraOpNumThreads(h.threads); err != nil {
			return fmt.Errorf("%w: failed to set intra-op threads: %w", ErrWeightsLoad, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputName}, []string{outputName}, options)
	if err != nil {
		return fmt.Errorf("%w: failed to create ONNX session for %s: %w", ErrWeightsLoad, path, err)
	}

	h.session = session
	h.inputName = inputName
	h.outputName = outputName
	return nil
}

type inferResult struct {
	data []float32
	err  error
}

// Infer runs the session on input. If ctx expires first, Infer returns
// ctx.Err() and the in-flight run releases its tensors when it finishes.
func (h *ONNXHead) Infer(ctx context.Context, input Tensor) (Tensor, error) {
	if h.session == nil {
		return Tensor{}, fmt.Errorf("%s head: weights not loaded", h.name)
	}
	if len(input.Shape) == 0 || input.Len() != len(input.Data) {
		return Tensor{}, fmt.Errorf("%s head: input shape %v does not match %d values",
			h.name, input.Shape, len(input.Data))
	}

	rows := input.Shape[0]
	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(rows, int64(h.meta.Buckets)))
	if err != nil {
		inputTensor.Destroy()
		return Tensor{}, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session := h.session
	done := make(chan inferResult, 1)
	h.track(func() {
		defer inputTensor.Destroy()
		defer outputTensor.Destroy()

		if err := session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
			done <- inferResult{err: fmt.Errorf("inference failed: %w", err)}
			return
		}
		out := make([]float32, len(outputTensor.GetData()))
		copy(out, outputTensor.GetData())
		done <- inferResult{data: out}
	})

	select {
	case <-ctx.Done():
		return Tensor{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return Tensor{}, res.err
		}
		return Tensor{Shape: []int64{rows, int64(h.meta.Buckets)}, Data: res.data}, nil
	}
}

// track runs fn on its own goroutine and counts it as in flight until it
// returns.
func (h *ONNXHead) track(fn func()) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		fn()
	}()
}

// Close waits for in-flight runs, then destroys the session.
func (h *ONNXHead) Close() error {
	if h.session == nil {
		return nil
	}
	h.inflight.Wait()
	err := h.session.Destroy()
	h.session = nil
	if err != nil {
		return fmt.Errorf("failed to destroy %s session: %w", h.name, err)
	}
	return nil
}
