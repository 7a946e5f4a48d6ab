package upload

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxFileSize = 1024
	cfg.ChunkSize = 4
	cfg.RetryDelay = 0
	return cfg
}

func pdf(name string, size int) FileHandle {
	return BytesFile(name, "application/pdf", bytes.Repeat([]byte("%"), size))
}

func newTestManager(t *testing.T, cfg Config, transport *fakeTransport, recorder *changeRecorder, now func() time.Time) *Manager {
	opts := Options{
		Config:    cfg,
		Transport: transport,
		Logger:    log.NewLogger(),
		now:       now,
	}
	if recorder != nil {
		opts.OnChange = recorder.record
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func waitForStatus(t *testing.T, m *Manager, id string, status Status) FileUploadInfo {
	t.Helper()
	require.Eventually(t, func() bool {
		f, ok := m.File(id)
		return ok && f.Status == status
	}, 5*time.Second, 5*time.Millisecond, "file %s never reached %s", id, status)
	f, _ := m.File(id)
	return f
}

// feedParts lets every gated part upload through until the test ends.
func feedParts(t *testing.T, gate chan struct{}) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case gate <- struct{}{}:
			case <-done:
				return
			}
		}
	}()
}

func Test_NewManager_ValidatesOptions(t *testing.T) {
	_, err := NewManager(Options{Config: DefaultConfig()})
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.ChunkSize = 0
	_, err = NewManager(Options{Config: cfg, Transport: &fakeTransport{}})
	require.Error(t, err)
}

func TestManager_UploadsFileInChunks(t *testing.T) {
	transport := &fakeTransport{}
	recorder := &changeRecorder{}
	m := newTestManager(t, testConfig(), transport, recorder, nil)

	accepted, invalid := m.AddFiles(pdf("contract.pdf", 10))
	require.Empty(t, invalid)
	require.Len(t, accepted, 1)
	id := accepted[0].ID

	f := waitForStatus(t, m, id, StatusSuccess)
	assert.Equal(t, 100, f.Progress)
	assert.Equal(t, int64(10), f.UploadedBytes)
	assert.Equal(t, "file-1", f.FileID)
	assert.Equal(t, "upload-1", f.UploadID)
	require.NotNil(t, f.Result)
	assert.Equal(t, "uuid-file-1", f.Result.FileUUID)
	for _, c := range f.Chunks {
		assert.True(t, c.Uploaded)
		assert.Equal(t, 0, c.Retries)
	}

	sizes := map[int]int{}
	for _, call := range transport.partCalls() {
		sizes[call.partNumber] += call.size
	}
	assert.Equal(t, map[int]int{1: 4, 2: 4, 3: 2}, sizes)
	assert.Equal(t, []string{"upload-1"}, transport.completedUploads())

	m.Close()
	progress := recorder.progressOf(id)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress went backwards: %v", progress)
	}
	assert.Equal(t, 100, progress[len(progress)-1])
}

func TestManager_RetriesFailingChunk(t *testing.T) {
	transport := &fakeTransport{failParts: map[int]int{2: 2}}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	f := waitForStatus(t, m, accepted[0].ID, StatusSuccess)

	assert.Equal(t, 2, f.Chunks[1].Retries)
	calls := 0
	for _, call := range transport.partCalls() {
		if call.partNumber == 2 {
			calls++
		}
	}
	assert.Equal(t, 3, calls)
}

func TestManager_FailsAfterMaxRetriesAndRetryStartsFresh(t *testing.T) {
	transport := &fakeTransport{failParts: map[int]int{2: -1}}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	id := accepted[0].ID

	f := waitForStatus(t, m, id, StatusError)
	assert.Contains(t, f.ErrorMessage, "Chunk 2")
	assert.Equal(t, 3, f.Chunks[1].Retries)

	transport.mu.Lock()
	transport.failParts = nil
	transport.mu.Unlock()

	require.NoError(t, m.Retry(id))
	f = waitForStatus(t, m, id, StatusSuccess)

	assert.Equal(t, 2, transport.initCount())
	assert.Equal(t, "upload-2", f.UploadID)
	assert.Equal(t, []string{"upload-2"}, transport.completedUploads())

	fresh := map[int]int{}
	for _, call := range transport.partCalls() {
		if call.uploadID == "upload-2" {
			fresh[call.partNumber]++
		}
	}
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, fresh)
}

func TestManager_RetryRejectsHealthyFile(t *testing.T) {
	transport := &fakeTransport{partGate: make(chan struct{})}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	waitForStatus(t, m, accepted[0].ID, StatusUploading)

	require.ErrorIs(t, m.Retry(accepted[0].ID), ErrInvalidTransition)
	require.ErrorIs(t, m.Retry("missing"), ErrUnknownFile)
}

func TestManager_InitFailureMarksFileFailed(t *testing.T) {
	transport := &fakeTransport{initErr: assert.AnError}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	f := waitForStatus(t, m, accepted[0].ID, StatusError)
	assert.Contains(t, f.ErrorMessage, "Failed to start the upload")
	assert.Empty(t, transport.partCalls())
}

func TestManager_CompleteFailureMarksFileFailed(t *testing.T) {
	transport := &fakeTransport{completeErr: assert.AnError}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	f := waitForStatus(t, m, accepted[0].ID, StatusError)
	assert.Contains(t, f.ErrorMessage, "Failed to complete the upload")
	assert.Equal(t, 100, f.Progress)
}

func TestManager_PauseResumeKeepsUploadedChunks(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkConcurrency = 1
	gate := make(chan struct{})
	transport := &fakeTransport{partGate: gate}
	recorder := &changeRecorder{}
	m := newTestManager(t, cfg, transport, recorder, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	id := accepted[0].ID
	waitForStatus(t, m, id, StatusUploading)

	gate <- struct{}{}
	require.Eventually(t, func() bool {
		f, _ := m.File(id)
		return f.Progress == 33
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Pause(id))
	f, _ := m.File(id)
	assert.Equal(t, StatusPaused, f.Status)
	require.ErrorIs(t, m.Pause(id), ErrInvalidTransition)

	require.NoError(t, m.Resume(id))
	feedParts(t, gate)
	f = waitForStatus(t, m, id, StatusSuccess)

	assert.Equal(t, 1, transport.initCount())
	assert.Equal(t, "upload-1", f.UploadID)
	uploaded := map[int]int{}
	for _, call := range transport.partCalls() {
		uploaded[call.partNumber]++
	}
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, uploaded)

	m.Close()
	progress := recorder.progressOf(id)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
}

func TestManager_QueueCapsConcurrentUploads(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentUploads = 1
	gate := make(chan struct{})
	transport := &fakeTransport{partGate: gate}
	recorder := &changeRecorder{}
	m := newTestManager(t, cfg, transport, recorder, nil)

	accepted, _ := m.AddFiles(pdf("first.pdf", 8), pdf("second.pdf", 8))
	require.Len(t, accepted, 2)
	first, second := accepted[0].ID, accepted[1].ID

	waitForStatus(t, m, first, StatusUploading)
	f, _ := m.File(second)
	assert.Equal(t, StatusIdle, f.Status)

	feedParts(t, gate)
	waitForStatus(t, m, first, StatusSuccess)
	waitForStatus(t, m, second, StatusSuccess)

	m.Close()
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	firstDone, secondStarted := -1, -1
	for i, c := range recorder.changes {
		if c.ID == first && c.Status == StatusSuccess && firstDone < 0 {
			firstDone = i
		}
		if c.ID == second && c.Status == StatusPreparing && secondStarted < 0 {
			secondStarted = i
		}
	}
	require.True(t, firstDone >= 0 && secondStarted >= 0)
	assert.Less(t, firstDone, secondStarted)
}

func TestManager_CancelAbortsUpload(t *testing.T) {
	transport := &fakeTransport{partGate: make(chan struct{})}
	removed := make(chan string, 1)
	m, err := NewManager(Options{
		Config:    testConfig(),
		Transport: transport,
		Logger:    log.NewLogger(),
		OnRemove:  func(id string) { removed <- id },
	})
	require.NoError(t, err)
	defer m.Close()

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	id := accepted[0].ID
	waitForStatus(t, m, id, StatusUploading)

	require.NoError(t, m.Cancel(context.Background(), id))

	_, ok := m.File(id)
	assert.False(t, ok)
	assert.Empty(t, m.Files())
	assert.Equal(t, []string{"upload-1"}, transport.abortedUploads())
	select {
	case got := <-removed:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("OnRemove was not called")
	}

	require.ErrorIs(t, m.Cancel(context.Background(), id), ErrUnknownFile)
}

func TestManager_SweepTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutMinutes = 10
	cfg.WarningThreshold = 2
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	transport := &fakeTransport{partGate: make(chan struct{})}
	m := newTestManager(t, cfg, transport, nil, func() time.Time { return start })

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	id := accepted[0].ID
	waitForStatus(t, m, id, StatusUploading)

	m.SweepTimeouts(start.Add(7 * time.Minute))
	f, _ := m.File(id)
	assert.False(t, f.TimeoutWarning)

	m.SweepTimeouts(start.Add(8 * time.Minute))
	f, _ = m.File(id)
	assert.True(t, f.TimeoutWarning)
	assert.Equal(t, StatusUploading, f.Status)

	m.SweepTimeouts(start.Add(10 * time.Minute))
	f, _ = m.File(id)
	assert.Equal(t, StatusUploading, f.Status)

	m.SweepTimeouts(start.Add(11 * time.Minute))
	f, _ = m.File(id)
	assert.Equal(t, StatusTimeout, f.Status)
	assert.Contains(t, f.ErrorMessage, "10 minutes")

	require.NoError(t, m.Retry(id))
	f, _ = m.File(id)
	assert.NotEqual(t, StatusTimeout, f.Status)
	assert.False(t, f.TimeoutWarning)
}

func TestManager_SweepProgress(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkConcurrency = 1
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	gate := make(chan struct{})
	transport := &fakeTransport{partGate: gate}
	m := newTestManager(t, cfg, transport, nil, func() time.Time { return start })

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	id := accepted[0].ID
	f := waitForStatus(t, m, id, StatusUploading)
	_, known := f.RemainingDuration()
	assert.False(t, known)

	gate <- struct{}{}
	require.Eventually(t, func() bool {
		f, _ := m.File(id)
		return f.UploadedBytes == 4
	}, 5*time.Second, 5*time.Millisecond)

	m.SweepProgress(start.Add(2 * time.Second))
	f, _ = m.File(id)
	assert.InDelta(t, 2.0, f.Speed, 0.0001)
	assert.InDelta(t, 4.0, f.RemainingTime, 0.0001)
	remaining, known := f.RemainingDuration()
	assert.True(t, known)
	assert.Equal(t, 4*time.Second, remaining)
}

func TestManager_AddFilesRejectsInvalidFiles(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, DefaultConfig(), transport, nil, nil)

	large := FileHandle{Name: "big.pdf", Size: 11 * units.MiB, MIMEType: "application/pdf", Source: bytes.NewReader(nil)}
	accepted, invalid := m.AddFiles(
		BytesFile("notes.txt", "text/plain", []byte("hello")),
		large,
		BytesFile("empty.pdf", "application/pdf", nil),
	)

	assert.Empty(t, accepted)
	require.Len(t, invalid, 3)
	assert.Equal(t, ValidationType, invalid[0].Err.Kind)
	assert.Equal(t, ValidationSize, invalid[1].Err.Kind)
	assert.Contains(t, invalid[1].Reason(), "10MiB")
	assert.Equal(t, ValidationEmpty, invalid[2].Err.Kind)
	assert.Empty(t, m.Files())
	assert.Equal(t, 0, transport.initCount())
}

func TestManager_OfflinePausesAndOnlineResumes(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentUploads = 1
	gate := make(chan struct{})
	transport := &fakeTransport{partGate: gate}
	m := newTestManager(t, cfg, transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("first.pdf", 8), pdf("second.pdf", 8))
	first, second := accepted[0].ID, accepted[1].ID
	waitForStatus(t, m, first, StatusUploading)

	m.SetOnline(false)
	f, _ := m.File(first)
	assert.Equal(t, StatusPaused, f.Status)
	f, _ = m.File(second)
	assert.Equal(t, StatusIdle, f.Status)

	m.SetOnline(true)
	f, _ = m.File(first)
	assert.Equal(t, StatusUploading, f.Status)

	feedParts(t, gate)
	waitForStatus(t, m, first, StatusSuccess)
	waitForStatus(t, m, second, StatusSuccess)
	assert.Equal(t, 2, transport.initCount())
}

func TestManager_WatchConnectivity(t *testing.T) {
	transport := &fakeTransport{partGate: make(chan struct{})}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	id := accepted[0].ID
	waitForStatus(t, m, id, StatusUploading)

	online := make(chan bool)
	done := make(chan struct{})
	go func() {
		m.WatchConnectivity(context.Background(), online)
		close(done)
	}()

	online <- false
	waitForStatus(t, m, id, StatusPaused)
	online <- true
	waitForStatus(t, m, id, StatusUploading)

	close(online)
	<-done
}

func TestManager_DiagnoseNeedsStatusReporter(t *testing.T) {
	m := newTestManager(t, testConfig(), &fakeTransport{}, nil, nil)

	_, err := m.Diagnose(context.Background(), "missing")
	require.Error(t, err)
}

func closeWithin(t *testing.T, m *Manager, timeout time.Duration) {
	t.Helper()
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(timeout):
		t.Fatalf("Close did not return within %s", timeout)
	}
}

func TestManager_CloseWhileUploading(t *testing.T) {
	transport := &fakeTransport{partGate: make(chan struct{})}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 12))
	id := accepted[0].ID
	waitForStatus(t, m, id, StatusUploading)

	closeWithin(t, m, 2*time.Second)

	f, ok := m.File(id)
	require.True(t, ok)
	assert.Equal(t, StatusUploading, f.Status)
	assert.Empty(t, transport.partCalls())
	assert.Zero(t, f.Chunks[0].Retries)

	// Second call is a no-op.
	closeWithin(t, m, time.Second)
}

func TestManager_CloseInterruptsRetryDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	transport := &fakeTransport{failParts: map[int]int{1: -1}}
	m := newTestManager(t, cfg, transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 8))
	id := accepted[0].ID
	require.Eventually(t, func() bool {
		f, ok := m.File(id)
		return ok && f.Chunks[0].Retries == 1 && f.Chunks[1].Uploaded
	}, 5*time.Second, 5*time.Millisecond)

	closeWithin(t, m, 2*time.Second)
	assert.Len(t, transport.partCalls(), 2)
}

func TestManager_ResumeWhileOfflineWaitsForNetwork(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{partGate: gate}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 8))
	id := accepted[0].ID
	waitForStatus(t, m, id, StatusUploading)

	m.SetOnline(false)
	require.NoError(t, m.Resume(id))
	f, _ := m.File(id)
	assert.Equal(t, StatusPaused, f.Status)

	m.SetOnline(true)
	f, _ = m.File(id)
	assert.Equal(t, StatusUploading, f.Status)

	feedParts(t, gate)
	waitForStatus(t, m, id, StatusSuccess)
	assert.Equal(t, 1, transport.initCount())
}

func TestManager_OnlineResumesManuallyPausedFiles(t *testing.T) {
	gate := make(chan struct{})
	transport := &fakeTransport{partGate: gate}
	m := newTestManager(t, testConfig(), transport, nil, nil)

	accepted, _ := m.AddFiles(pdf("contract.pdf", 8))
	id := accepted[0].ID
	waitForStatus(t, m, id, StatusUploading)

	require.NoError(t, m.Pause(id))
	m.SetOnline(false)
	m.SetOnline(true)

	f, _ := m.File(id)
	assert.Equal(t, StatusUploading, f.Status)

	feedParts(t, gate)
	waitForStatus(t, m, id, StatusSuccess)
}
