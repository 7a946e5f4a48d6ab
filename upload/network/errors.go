package network

import (
	"fmt"
	"io"
	"net/http"
)

// InitError is returned when a multipart upload could not be started.
type InitError struct {
	Name string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init upload of %s: %s", e.Name, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// PartUploadError is returned when a single part failed to upload.
type PartUploadError struct {
	PartNumber int
	Err        error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("upload part %d: %s", e.PartNumber, e.Err)
}

func (e *PartUploadError) Unwrap() error { return e.Err }

// CompleteError is returned when the backend refused to assemble the parts.
type CompleteError struct {
	UploadID string
	Err      error
}

func (e *CompleteError) Error() string {
	return fmt.Sprintf("complete upload %s: %s", e.UploadID, e.Err)
}

func (e *CompleteError) Unwrap() error { return e.Err }

// AbortError is returned when an abort request failed. Callers treat it as
// informational.
type AbortError struct {
	UploadID string
	Err      error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("abort upload %s: %s", e.UploadID, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
}
