package upload

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type uploadTracker struct {
	tracker analytics.Tracker
}

func newUploadTracker(tracker analytics.Tracker) *uploadTracker {
	return &uploadTracker{tracker: tracker}
}

func (t *uploadTracker) logUploadStarted(name string, size int64, partCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"file_extension":  extension(name),
		"file_size_bytes": size,
		"part_count":      partCount,
	}
	t.tracker.Enqueue("upload_started", properties)
}

func (t *uploadTracker) logUploadSucceeded(name string, size int64, uploadTime time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"file_extension":  extension(name),
		"file_size_bytes": size,
		"upload_time_s":   uploadTime.Truncate(time.Second).Seconds(),
	}
	t.tracker.Enqueue("upload_succeeded", properties)
}

func (t *uploadTracker) logUploadFailed(name string, status Status) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"file_extension": extension(name),
		"status":         status.String(),
	}
	t.tracker.Enqueue("upload_failed", properties)
}

func (t *uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}

func extension(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
