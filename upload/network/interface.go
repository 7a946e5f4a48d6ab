// Package network moves file bytes to the backend. It offers the four
// multipart-upload operations against the REST API and against an
// S3-compatible object store. Nothing in this package retries: retry policy
// belongs to the upload manager.
package network

import (
	"context"
	"time"
)

// InitRequest ...
type InitRequest struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MIMEType  string `json:"mimeType"`
	PartCount int    `json:"partCount"`
}

// InitResponse ...
type InitResponse struct {
	FileID   string `json:"file_id"`
	UploadID string `json:"upload_id"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
}

// PartResponse ...
type PartResponse struct {
	PartNumber int     `json:"part_number"`
	ETag       string  `json:"etag"`
	Progress   float64 `json:"progress"`
}

// CompleteResponse carries the final metadata of an assembled upload.
type CompleteResponse struct {
	FileID           string    `json:"file_id"`
	FileUUID         string    `json:"file_uuid"`
	Bucket           string    `json:"bucket"`
	Key              string    `json:"key"`
	ETag             string    `json:"etag"`
	Size             int64     `json:"size"`
	FileName         string    `json:"file_name"`
	OriginalName     string    `json:"original_name"`
	UploadStatus     string    `json:"upload_status"`
	ProcessingStatus string    `json:"processing_status"`
	CreatedAt        time.Time `json:"created_at"`
}

// AbortResponse ...
type AbortResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusResponse describes a multipart upload as the server sees it.
type StatusResponse struct {
	TotalParts    int     `json:"total_parts"`
	UploadedParts []int   `json:"uploaded_parts"`
	StartTime     string  `json:"start_time"`
	TimeElapsed   float64 `json:"time_elapsed"`
	RemainingTime float64 `json:"remaining_time"`
	IsExpired     bool    `json:"is_expired"`
}

// Transport performs single request/response multipart-upload operations.
type Transport interface {
	InitUpload(ctx context.Context, req InitRequest) (InitResponse, error)
	UploadPart(ctx context.Context, fileID, uploadID string, partNumber int, data []byte) (PartResponse, error)
	CompleteUpload(ctx context.Context, fileID, uploadID string) (CompleteResponse, error)
	AbortUpload(ctx context.Context, fileID, uploadID string) (AbortResponse, error)
}

// StatusReporter is implemented by transports that can report the server-side
// state of a multipart upload.
type StatusReporter interface {
	UploadStatus(ctx context.Context, fileID, uploadID string) (StatusResponse, error)
}
