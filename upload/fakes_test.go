package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/citeqa/client/upload/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

var errFakePart = errors.New("connection reset by peer")

type partCall struct {
	uploadID   string
	partNumber int
	size       int
}

type fakeTransport struct {
	mu sync.Mutex

	initErr     error
	completeErr error
	// failParts maps a part number to the number of times it fails before
	// succeeding. A negative value fails forever.
	failParts map[int]int
	// partGate, when set, blocks every part upload until a value is received.
	partGate chan struct{}

	inits     int
	parts     []partCall
	completed []string
	aborted   []string
}

func (t *fakeTransport) InitUpload(_ context.Context, req network.InitRequest) (network.InitResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initErr != nil {
		return network.InitResponse{}, &network.InitError{Name: req.Name, Err: t.initErr}
	}
	t.inits++
	return network.InitResponse{
		FileID:   fmt.Sprintf("file-%d", t.inits),
		UploadID: fmt.Sprintf("upload-%d", t.inits),
		Bucket:   "documents",
		Key:      fmt.Sprintf("uploads/%d/%s", t.inits, req.Name),
	}, nil
}

func (t *fakeTransport) UploadPart(ctx context.Context, _, uploadID string, partNumber int, data []byte) (network.PartResponse, error) {
	if t.partGate != nil {
		select {
		case <-t.partGate:
		case <-ctx.Done():
			return network.PartResponse{}, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.parts = append(t.parts, partCall{uploadID: uploadID, partNumber: partNumber, size: len(data)})
	if n, ok := t.failParts[partNumber]; ok && n != 0 {
		if n > 0 {
			t.failParts[partNumber] = n - 1
		}
		return network.PartResponse{}, &network.PartUploadError{PartNumber: partNumber, Err: errFakePart}
	}
	return network.PartResponse{PartNumber: partNumber, ETag: fmt.Sprintf("etag-%d", partNumber)}, nil
}

func (t *fakeTransport) CompleteUpload(_ context.Context, fileID, uploadID string) (network.CompleteResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completeErr != nil {
		return network.CompleteResponse{}, &network.CompleteError{UploadID: uploadID, Err: t.completeErr}
	}
	t.completed = append(t.completed, uploadID)
	return network.CompleteResponse{FileID: fileID, FileUUID: "uuid-" + fileID, UploadStatus: "completed"}, nil
}

func (t *fakeTransport) AbortUpload(_ context.Context, _, uploadID string) (network.AbortResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.aborted = append(t.aborted, uploadID)
	return network.AbortResponse{Status: "aborted"}, nil
}

func (t *fakeTransport) partCalls() []partCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]partCall(nil), t.parts...)
}

func (t *fakeTransport) abortedUploads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.aborted...)
}

func (t *fakeTransport) completedUploads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.completed...)
}

func (t *fakeTransport) initCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inits
}

// changeRecorder collects OnChange snapshots.
type changeRecorder struct {
	mu      sync.Mutex
	changes []FileUploadInfo
}

func (r *changeRecorder) record(f FileUploadInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, f)
}

func (r *changeRecorder) progressOf(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var progress []int
	for _, c := range r.changes {
		if c.ID == id {
			progress = append(progress, c.Progress)
		}
	}
	return progress
}
