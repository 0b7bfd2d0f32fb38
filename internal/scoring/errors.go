package scoring

import "errors"

var (
	// ErrLengthMismatch means samples and score lists disagree in length.
	ErrLengthMismatch = errors.New("length mismatch")
	// ErrInferenceTimeout means a batch did not finish within the inference deadline.
	ErrInferenceTimeout = errors.New("inference timeout")
	// ErrBadOutput means a head returned a tensor of the wrong shape.
	ErrBadOutput = errors.New("unexpected model output")
)
