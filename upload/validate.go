package upload

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
)

// Errors returned by Manager operations.
var (
	ErrUnknownFile       = errors.New("unknown file")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationKind tells why a file was rejected.
type ValidationKind string

// Rejection kinds.
const (
	ValidationType  ValidationKind = "type"
	ValidationSize  ValidationKind = "size"
	ValidationEmpty ValidationKind = "empty"
)

// ValidationError is reported for files that never entered the queue.
type ValidationError struct {
	File   string
	Kind   ValidationKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Reason)
}

// InvalidFile pairs a rejected file with its rejection reason.
type InvalidFile struct {
	File FileHandle
	Err  *ValidationError
}

// Reason is the human readable rejection message.
func (f InvalidFile) Reason() string {
	return f.Err.Reason
}

func validateFile(cfg Config, file FileHandle) *ValidationError {
	if !cfg.Accepts(file.MIMEType) {
		return &ValidationError{
			File:   file.Name,
			Kind:   ValidationType,
			Reason: fmt.Sprintf("unsupported file type %q, accepted types: %v", file.MIMEType, cfg.AcceptedFileTypes),
		}
	}
	if file.Size > cfg.MaxFileSize {
		return &ValidationError{
			File: file.Name,
			Kind: ValidationSize,
			Reason: fmt.Sprintf("file is %s, larger than the %s limit",
				units.BytesSize(float64(file.Size)), units.BytesSize(float64(cfg.MaxFileSize))),
		}
	}
	if file.Size <= 0 {
		return &ValidationError{File: file.Name, Kind: ValidationEmpty, Reason: "file is empty"}
	}
	if file.Source == nil {
		return &ValidationError{File: file.Name, Kind: ValidationEmpty, Reason: "file has no content source"}
	}
	return nil
}
