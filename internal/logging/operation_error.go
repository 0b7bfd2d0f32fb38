package logging

import "fmt"

// OperationError annotates an error with the operation that failed and the
// request or image it was working on.
type OperationError struct {
	Operation string
	RequestID string
	ImageID   string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	switch {
	case e.RequestID != "":
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	case e.ImageID != "":
		return fmt.Sprintf("%s (image_id=%s): %v", e.Operation, e.ImageID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with operation metadata. A nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// NewImageError wraps err for an operation on a single image.
func NewImageError(operation, imageID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, ImageID: imageID, Err: err}
}
