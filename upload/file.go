package upload

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/citeqa/client/upload/network"
)

// FileHandle is the file as handed over by the caller.
type FileHandle struct {
	Name     string
	Size     int64
	MIMEType string
	Source   io.ReaderAt
}

// OpenFile opens a file on disk and sniffs its MIME type from the content.
// The caller closes the returned file once the upload finished or was
// cancelled.
func OpenFile(path string) (FileHandle, *os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileHandle{}, nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return FileHandle{}, nil, fmt.Errorf("stat file: %w", err)
	}

	head := make([]byte, 512)
	n, err := file.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		file.Close() //nolint:errcheck
		return FileHandle{}, nil, fmt.Errorf("read file header: %w", err)
	}

	return FileHandle{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MIMEType: http.DetectContentType(head[:n]),
		Source:   file,
	}, file, nil
}

// BytesFile wraps in-memory content as a FileHandle.
func BytesFile(name, mimeType string, content []byte) FileHandle {
	return FileHandle{
		Name:     name,
		Size:     int64(len(content)),
		MIMEType: mimeType,
		Source:   bytes.NewReader(content),
	}
}

// FileUploadInfo is the state of one file accepted into the upload queue.
type FileUploadInfo struct {
	ID   string
	File FileHandle

	FileID     string
	UploadID   string
	BucketName string
	ObjectKey  string

	Status   Status
	Progress int
	// UploadedBytes is the sum of the sizes of the uploaded chunks.
	UploadedBytes int64
	// Speed is in bytes per second.
	Speed float64
	// RemainingTime is in seconds; +Inf while nothing has been uploaded.
	RemainingTime  float64
	TimeoutWarning bool
	ErrorMessage   string
	StartTime      time.Time

	Chunks []ChunkInfo
	Result *network.CompleteResponse

	// attempt changes on every retry, run on every (re)start of the chunk
	// runner. Results tagged with an older value are dropped.
	attempt     int
	run         int
	runner      chan struct{}
	holdsSlot   bool
	queued      bool
	resumeQueue bool
}

// RemainingDuration returns RemainingTime as a duration and false when it is
// not known yet.
func (f FileUploadInfo) RemainingDuration() (time.Duration, bool) {
	if math.IsInf(f.RemainingTime, 0) || math.IsNaN(f.RemainingTime) {
		return 0, false
	}
	return time.Duration(f.RemainingTime * float64(time.Second)), true
}

func (f *FileUploadInfo) clone() FileUploadInfo {
	c := *f
	c.Chunks = append([]ChunkInfo(nil), f.Chunks...)
	if f.Result != nil {
		r := *f.Result
		c.Result = &r
	}
	return c
}

// recompute derives Progress and UploadedBytes from the chunk set.
func (f *FileUploadInfo) recompute() {
	var uploaded int
	var uploadedBytes int64
	for _, c := range f.Chunks {
		if c.Uploaded {
			uploaded++
			uploadedBytes += c.Size()
		}
	}
	f.UploadedBytes = uploadedBytes
	if len(f.Chunks) == 0 {
		f.Progress = 0
		return
	}
	f.Progress = 100 * uploaded / len(f.Chunks)
}

func (f *FileUploadInfo) pendingChunks(limit int) []ChunkInfo {
	var pending []ChunkInfo
	for _, c := range f.Chunks {
		if c.Uploaded {
			continue
		}
		pending = append(pending, c)
		if len(pending) == limit {
			break
		}
	}
	return pending
}

func (f *FileUploadInfo) allUploaded() bool {
	for _, c := range f.Chunks {
		if !c.Uploaded {
			return false
		}
	}
	return true
}

func (f *FileUploadInfo) resetForRetry() {
	for i := range f.Chunks {
		f.Chunks[i].Uploaded = false
		f.Chunks[i].ETag = ""
		f.Chunks[i].Retries = 0
	}
	f.FileID = ""
	f.UploadID = ""
	f.BucketName = ""
	f.ObjectKey = ""
	f.Progress = 0
	f.UploadedBytes = 0
	f.Speed = 0
	f.RemainingTime = math.Inf(1)
	f.TimeoutWarning = false
	f.ErrorMessage = ""
	f.StartTime = time.Time{}
	f.Result = nil
	f.runner = nil
	f.attempt++
}
