package checkpoint

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch: file may be corrupted")
	ErrHeaderTooLarge   = errors.New("header exceeds maximum size")
	ErrMissingTensor    = errors.New("tensor missing from checkpoint")
	ErrMismatch         = errors.New("tensor does not match checkpoint")
	ErrInvalidTensor    = errors.New("invalid tensor entry")
)

// TensorError reports a problem with one named tensor.
type TensorError struct {
	Name   string
	Err    error // one of the package errors above
	Detail string
}

// Error implements the error interface.
func (e *TensorError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("tensor %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("tensor %q: %v: %s", e.Name, e.Err, e.Detail)
}

// Unwrap returns the package error the failure falls under.
func (e *TensorError) Unwrap() error {
	return e.Err
}
