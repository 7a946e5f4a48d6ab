// Package upload implements the resumable chunked upload engine: validation,
// chunk splitting, a FIFO queue with a cap on concurrently uploading files,
// concurrent part uploads with per-chunk retries, pause/resume/cancel/retry
// and soft wall-clock timeouts.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/citeqa/client/upload/network"
	"github.com/google/uuid"
)

var errStale = errors.New("file is no longer uploading")

// Options configures a Manager.
type Options struct {
	Config    Config
	Transport network.Transport
	Logger    log.Logger
	// Tracker receives upload lifecycle events. Optional.
	Tracker analytics.Tracker
	// OnChange receives a snapshot after every state change of a file.
	// Calls are made one at a time from a dispatcher goroutine, in the order
	// the changes happened, and may call back into the manager.
	OnChange func(FileUploadInfo)
	// OnRemove is called with the id of a cancelled file.
	OnRemove func(id string)

	now   func() time.Time
	newID func() string
}

// Manager owns the upload queue. All methods are safe for concurrent use.
type Manager struct {
	cfg       Config
	transport network.Transport
	logger    log.Logger
	tracker   *uploadTracker
	onChange  func(FileUploadInfo)
	onRemove  func(string)
	now       func() time.Time
	newID     func() string

	ctx    context.Context
	cancel context.CancelFunc
	events *dispatcher

	// runMu orders goroutine starts with Close.
	runMu     sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	files   map[string]*FileUploadInfo
	order   []string
	queue   []string
	active  int
	offline bool
}

// NewManager validates the options and returns an idle manager. Call Start
// to run the timeout and progress sweeps.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	newID := opts.newID
	if newID == nil {
		newID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       opts.Config,
		transport: opts.Transport,
		logger:    logger,
		tracker:   newUploadTracker(opts.Tracker),
		onChange:  opts.OnChange,
		onRemove:  opts.OnRemove,
		now:       now,
		newID:     newID,
		ctx:       ctx,
		cancel:    cancel,
		events:    newDispatcher(),
		files:     map[string]*FileUploadInfo{},
	}, nil
}

// effects collects what has to happen once the lock is released.
type effects struct {
	after []func()
	spawn []func()
}

func (m *Manager) apply(e *effects) {
	for _, fn := range e.after {
		fn()
	}
	for _, fn := range e.spawn {
		m.goRun(fn)
	}
}

// touch publishes a snapshot of f. Must be called with m.mu held, so that
// listeners see the changes in the order they happened.
func (m *Manager) touch(f *FileUploadInfo) {
	if m.onChange == nil {
		return
	}
	snapshot, onChange := f.clone(), m.onChange
	m.events.push(func() { onChange(snapshot) })
}

func (m *Manager) notifyRemoved(id string) {
	if m.onRemove == nil {
		return
	}
	onRemove := m.onRemove
	m.events.push(func() { onRemove(id) })
}

func (m *Manager) goRun(fn func()) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// AddFiles validates the files and enqueues the valid ones. Rejected files
// never touch the queue.
func (m *Manager) AddFiles(files ...FileHandle) ([]FileUploadInfo, []InvalidFile) {
	var invalid []InvalidFile
	var added []string
	var e effects

	m.mu.Lock()
	for _, file := range files {
		if verr := validateFile(m.cfg, file); verr != nil {
			m.logger.Warnf("Rejected %s: %s", file.Name, verr.Reason)
			invalid = append(invalid, InvalidFile{File: file, Err: verr})
			continue
		}

		chunks, err := Split(file.Size, m.cfg.ChunkSize)
		if err != nil {
			invalid = append(invalid, InvalidFile{File: file, Err: &ValidationError{File: file.Name, Kind: ValidationSize, Reason: err.Error()}})
			continue
		}

		f := &FileUploadInfo{
			ID:            m.newID(),
			File:          file,
			Status:        StatusIdle,
			RemainingTime: math.Inf(1),
			Chunks:        chunks,
		}
		m.files[f.ID] = f
		m.order = append(m.order, f.ID)
		m.enqueueLocked(f)
		added = append(added, f.ID)
		m.touch(f)

		m.logger.Debugf("Queued %s (%d bytes, %d chunks)", file.Name, file.Size, len(chunks))
	}
	m.drainLocked(&e)

	accepted := make([]FileUploadInfo, 0, len(added))
	for _, id := range added {
		if f, ok := m.files[id]; ok {
			accepted = append(accepted, f.clone())
		}
	}
	m.mu.Unlock()

	m.apply(&e)
	return accepted, invalid
}

// Pause stops scheduling new chunks of an uploading file and frees its slot.
// Requests already in flight are not aborted.
func (m *Manager) Pause(id string) error {
	var e effects
	m.mu.Lock()
	f, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("pause %s: %w", id, ErrUnknownFile)
	}
	if err := m.pauseLocked(f); err != nil {
		m.mu.Unlock()
		return err
	}
	m.drainLocked(&e)
	m.mu.Unlock()

	m.apply(&e)
	return nil
}

func (m *Manager) pauseLocked(f *FileUploadInfo) error {
	if err := m.transition(f, StatusPaused); err != nil {
		return err
	}
	m.release(f)
	m.touch(f)
	m.logger.Infof("Paused %s at %d%%", f.File.Name, f.Progress)
	return nil
}

// Resume continues a paused file right away when a slot is free and the
// network is up, otherwise it is queued and continues once both hold.
func (m *Manager) Resume(id string) error {
	var e effects
	m.mu.Lock()
	f, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("resume %s: %w", id, ErrUnknownFile)
	}
	if err := m.resumeLocked(f, &e); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.apply(&e)
	return nil
}

func (m *Manager) resumeLocked(f *FileUploadInfo, e *effects) error {
	if f.Status != StatusPaused {
		return fmt.Errorf("resume %s file %s: %w", f.Status, f.ID, ErrInvalidTransition)
	}
	if f.resumeQueue {
		return nil
	}
	if !m.offline && m.active < m.cfg.ConcurrentUploads {
		m.startRunnerLocked(f, e)
		return nil
	}
	f.resumeQueue = true
	m.enqueueLocked(f)
	if m.offline {
		m.logger.Debugf("Offline, %s will resume once the network is back", f.File.Name)
	} else {
		m.logger.Debugf("No free upload slot, %s will resume later", f.File.Name)
	}
	return nil
}

// Cancel removes the file from the manager. A started multipart upload is
// aborted on a best-effort basis; failures are only logged.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	var e effects
	m.mu.Lock()
	f, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownFile)
	}
	delete(m.files, id)
	m.order = removeID(m.order, id)
	m.queue = removeID(m.queue, id)
	m.release(f)
	m.drainLocked(&e)
	m.notifyRemoved(id)
	fileID, uploadID, name := f.FileID, f.UploadID, f.File.Name
	m.mu.Unlock()

	m.apply(&e)
	m.logger.Infof("Cancelled %s", name)

	if uploadID != "" {
		m.abortQuietly(ctx, fileID, uploadID)
	}
	return nil
}

// Retry resets a failed or timed out file and queues it for a fresh upload.
func (m *Manager) Retry(id string) error {
	var e effects
	m.mu.Lock()
	f, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrUnknownFile)
	}
	if f.Status != StatusError && f.Status != StatusTimeout {
		m.mu.Unlock()
		return fmt.Errorf("retry %s file %s: %w", f.Status, id, ErrInvalidTransition)
	}

	f.resetForRetry()
	if err := m.transition(f, StatusIdle); err != nil {
		m.mu.Unlock()
		return err
	}
	m.enqueueLocked(f)
	m.touch(f)
	m.drainLocked(&e)
	m.mu.Unlock()

	m.apply(&e)
	return nil
}

// Files returns snapshots of every known file in the order they were added.
func (m *Manager) Files() []FileUploadInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make([]FileUploadInfo, 0, len(m.order))
	for _, id := range m.order {
		files = append(files, m.files[id].clone())
	}
	return files
}

// File returns a snapshot of the file with the given id.
func (m *Manager) File(id string) (FileUploadInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[id]
	if !ok {
		return FileUploadInfo{}, false
	}
	return f.clone(), true
}

// Diagnose asks the backend how far it got with the file's multipart upload.
func (m *Manager) Diagnose(ctx context.Context, id string) (network.StatusResponse, error) {
	reporter, ok := m.transport.(network.StatusReporter)
	if !ok {
		return network.StatusResponse{}, fmt.Errorf("transport does not report upload status")
	}

	m.mu.Lock()
	f, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return network.StatusResponse{}, fmt.Errorf("diagnose %s: %w", id, ErrUnknownFile)
	}
	fileID, uploadID := f.FileID, f.UploadID
	m.mu.Unlock()

	if uploadID == "" {
		return network.StatusResponse{}, fmt.Errorf("file %s has no multipart upload yet", id)
	}
	return reporter.UploadStatus(ctx, fileID, uploadID)
}

// Close stops the sweeps, cancels in-flight requests and waits for the
// upload goroutines and pending notifications. The manager is not usable
// afterwards. Calling Close again is a no-op.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.runMu.Lock()
		m.closed = true
		m.runMu.Unlock()

		m.cancel()
		m.wg.Wait()
		m.events.close()
		m.tracker.wait()
	})
}

func (m *Manager) transition(f *FileUploadInfo, to Status) error {
	if !CanTransition(f.Status, to) {
		return fmt.Errorf("%s → %s for file %s: %w", f.Status, to, f.ID, ErrInvalidTransition)
	}
	f.Status = to
	return nil
}

func (m *Manager) enqueueLocked(f *FileUploadInfo) {
	if f.queued {
		return
	}
	f.queued = true
	m.queue = append(m.queue, f.ID)
}

func (m *Manager) acquire(f *FileUploadInfo) {
	if f.holdsSlot {
		return
	}
	f.holdsSlot = true
	m.active++
}

func (m *Manager) release(f *FileUploadInfo) {
	if !f.holdsSlot {
		return
	}
	f.holdsSlot = false
	m.active--
}

// drainLocked starts queued files while upload slots are free.
func (m *Manager) drainLocked(e *effects) {
	if m.offline {
		return
	}
	for m.active < m.cfg.ConcurrentUploads && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		f, ok := m.files[id]
		if !ok {
			continue
		}
		f.queued = false

		switch {
		case f.Status == StatusIdle:
			if err := m.transition(f, StatusPreparing); err != nil {
				m.logger.Errorf("%s", err)
				continue
			}
			m.acquire(f)
			m.touch(f)
			attempt := f.attempt
			e.spawn = append(e.spawn, func() { m.prepare(id, attempt) })
		case f.Status == StatusPaused && f.resumeQueue:
			m.startRunnerLocked(f, e)
		}
	}
}

// startRunnerLocked moves a paused file back to uploading and schedules a
// fresh batch runner for its remaining chunks.
func (m *Manager) startRunnerLocked(f *FileUploadInfo, e *effects) {
	f.resumeQueue = false
	if err := m.transition(f, StatusUploading); err != nil {
		m.logger.Errorf("%s", err)
		return
	}
	m.acquire(f)
	m.touch(f)
	id, attempt := f.ID, f.attempt
	run, prev, done := m.nextRun(f)
	e.spawn = append(e.spawn, func() {
		defer close(done)
		// Chunks still in flight from before the pause must settle first,
		// otherwise they would be picked up again.
		if prev != nil {
			<-prev
		}
		m.uploadChunks(id, attempt, run)
	})
	m.logger.Infof("Resumed %s", f.File.Name)
}

// nextRun registers a new chunk runner for f. The runner closes done when it
// returns; prev is the channel of the runner it replaces.
func (m *Manager) nextRun(f *FileUploadInfo) (run int, prev, done chan struct{}) {
	f.run++
	prev, done = f.runner, make(chan struct{})
	f.runner = done
	return f.run, prev, done
}

// failLocked moves the file to a terminal failure state and hands its slot
// to the next queued file.
func (m *Manager) failLocked(f *FileUploadInfo, to Status, message string, e *effects) {
	if err := m.transition(f, to); err != nil {
		m.logger.Errorf("%s", err)
		return
	}
	f.ErrorMessage = message
	f.resumeQueue = false
	m.release(f)
	m.touch(f)
	m.drainLocked(e)

	name, status := f.File.Name, f.Status
	m.logger.Errorf("Upload of %s failed: %s", name, message)
	e.after = append(e.after, func() { m.tracker.logUploadFailed(name, status) })
}

// live returns the file if it still belongs to the given upload attempt.
func (m *Manager) live(id string, attempt int) *FileUploadInfo {
	f, ok := m.files[id]
	if !ok || f.attempt != attempt {
		return nil
	}
	return f
}

func (m *Manager) prepare(id string, attempt int) {
	m.mu.Lock()
	f := m.live(id, attempt)
	if f == nil || f.Status != StatusPreparing {
		m.mu.Unlock()
		return
	}
	req := network.InitRequest{
		Name:      f.File.Name,
		Size:      f.File.Size,
		MIMEType:  f.File.MIMEType,
		PartCount: len(f.Chunks),
	}
	m.mu.Unlock()

	m.logger.Debugf("Initializing multipart upload for %s (%d parts)", req.Name, req.PartCount)
	resp, err := m.transport.InitUpload(m.ctx, req)
	if err != nil && m.ctx.Err() != nil {
		return
	}

	var e effects
	m.mu.Lock()
	f = m.live(id, attempt)
	if f == nil || f.Status != StatusPreparing {
		m.mu.Unlock()
		if err == nil {
			m.abortQuietly(m.ctx, resp.FileID, resp.UploadID)
		}
		return
	}

	if err != nil {
		m.failLocked(f, StatusError, fmt.Sprintf("Failed to start the upload: %s", err), &e)
		m.mu.Unlock()
		m.apply(&e)
		return
	}

	f.FileID = resp.FileID
	f.UploadID = resp.UploadID
	f.BucketName = resp.Bucket
	f.ObjectKey = resp.Key
	if err := m.transition(f, StatusUploading); err != nil {
		m.mu.Unlock()
		m.logger.Errorf("%s", err)
		return
	}
	f.StartTime = m.now()
	run, _, done := m.nextRun(f)
	defer close(done)
	m.touch(f)
	name, size, parts := f.File.Name, f.File.Size, len(f.Chunks)
	e.after = append(e.after, func() { m.tracker.logUploadStarted(name, size, parts) })
	m.mu.Unlock()

	m.apply(&e)
	m.logger.Infof("Uploading %s (upload id: %s)", name, resp.UploadID)
	m.uploadChunks(id, attempt, run)
}

// uploadChunks uploads the remaining chunks batch by batch. It returns once
// the file left the uploading state, a newer runner took over, the upload
// was completed or the manager was closed.
func (m *Manager) uploadChunks(id string, attempt, run int) {
	for {
		if m.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		f := m.live(id, attempt)
		if f == nil || f.Status != StatusUploading || f.run != run {
			m.mu.Unlock()
			return
		}

		batch := f.pendingChunks(m.cfg.chunkConcurrency())
		fileID, uploadID, src := f.FileID, f.UploadID, f.File.Source
		total := len(f.Chunks)
		m.mu.Unlock()

		if len(batch) == 0 {
			m.complete(id, attempt, fileID, uploadID)
			return
		}

		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c ChunkInfo) {
				defer wg.Done()
				m.uploadChunk(id, attempt, run, fileID, uploadID, src, c, total)
			}(c)
		}
		wg.Wait()

		if m.ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) uploadChunk(id string, attempt, run int, fileID, uploadID string, src io.ReaderAt, c ChunkInfo, total int) {
	data, err := ReadChunk(src, c)
	if err != nil {
		var e effects
		m.mu.Lock()
		if f := m.live(id, attempt); f != nil && f.Status == StatusUploading {
			m.failLocked(f, StatusError, err.Error(), &e)
		}
		m.mu.Unlock()
		m.apply(&e)
		return
	}

	remaining := m.cfg.MaxRetries - c.Retries
	if remaining < 1 {
		remaining = 1
	}

	// The delay is waited inside the action so that Close can interrupt it.
	_ = retry.Times(uint(remaining - 1)).Wait(0).TryWithAbort(func(try uint) (error, bool) {
		if try > 0 && !m.sleep(m.cfg.RetryDelay) {
			return m.ctx.Err(), true
		}
		if !m.isRunning(id, attempt, run) {
			return errStale, true
		}

		m.logger.Debugf("Uploading chunk %d/%d of %s (attempt %d/%d)", c.Index, total, id, try+1, remaining)
		part, err := m.transport.UploadPart(m.ctx, fileID, uploadID, c.Index, data)
		if err != nil && m.ctx.Err() != nil {
			// Shutting down, not a failure of the chunk.
			return err, true
		}
		return m.recordChunk(id, attempt, run, c.Index, part, err)
	})
}

// sleep waits d and returns false when the manager was closed meanwhile.
func (m *Manager) sleep(d time.Duration) bool {
	if d <= 0 {
		return m.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) isRunning(id string, attempt, run int) bool {
	if m.ctx.Err() != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.live(id, attempt)
	return f != nil && f.Status == StatusUploading && f.run == run
}

// recordChunk applies the outcome of one part request. The returned pair
// follows retry.TryWithAbort: a nil error or a true flag ends the retry loop.
func (m *Manager) recordChunk(id string, attempt, run, index int, part network.PartResponse, uploadErr error) (error, bool) {
	var e effects
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.apply(&e)
	}()

	f := m.live(id, attempt)
	if f == nil || index < 1 || index > len(f.Chunks) {
		return errStale, true
	}
	chunk := &f.Chunks[index-1]

	if uploadErr == nil {
		// The part is stored under this upload id even if the file was
		// paused meanwhile, so keep the result.
		if f.Status == StatusUploading || f.Status == StatusPaused {
			chunk.Uploaded = true
			chunk.ETag = part.ETag
			f.recompute()
			m.touch(f)
		}
		return nil, true
	}

	if f.Status != StatusUploading || f.run != run {
		return errStale, true
	}

	chunk.Retries++
	if chunk.Retries >= m.cfg.MaxRetries {
		m.failLocked(f, StatusError, fmt.Sprintf("Chunk %d failed after %d attempts: %s", index, chunk.Retries, uploadErr), &e)
		return uploadErr, true
	}

	m.logger.Warnf("Chunk %d of %s failed (%d/%d), retrying in %s: %s", index, f.File.Name, chunk.Retries, m.cfg.MaxRetries, m.cfg.RetryDelay, uploadErr)
	m.touch(f)
	return uploadErr, false
}

func (m *Manager) complete(id string, attempt int, fileID, uploadID string) {
	m.mu.Lock()
	f := m.live(id, attempt)
	if f == nil || f.Status != StatusUploading || !f.allUploaded() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Debugf("All parts of %s uploaded, completing", id)
	resp, err := m.transport.CompleteUpload(m.ctx, fileID, uploadID)
	if err != nil && m.ctx.Err() != nil {
		return
	}

	var e effects
	m.mu.Lock()
	f = m.live(id, attempt)
	if f == nil || (f.Status != StatusUploading && f.Status != StatusPaused) {
		m.mu.Unlock()
		return
	}

	if err != nil {
		if f.Status == StatusPaused {
			// Resume will run the completion again.
			m.mu.Unlock()
			m.logger.Warnf("Completing paused upload %s failed: %s", id, err)
			return
		}
		m.failLocked(f, StatusError, fmt.Sprintf("Failed to complete the upload: %s", err), &e)
		m.mu.Unlock()
		m.apply(&e)
		return
	}

	if err := m.transition(f, StatusSuccess); err != nil {
		m.mu.Unlock()
		m.logger.Errorf("%s", err)
		return
	}
	f.Result = &resp
	f.resumeQueue = false
	f.recompute()
	f.Progress = 100
	f.RemainingTime = 0
	m.release(f)
	m.touch(f)
	m.drainLocked(&e)

	name, size, elapsed := f.File.Name, f.File.Size, m.now().Sub(f.StartTime)
	e.after = append(e.after, func() { m.tracker.logUploadSucceeded(name, size, elapsed) })
	m.mu.Unlock()

	m.apply(&e)
	m.logger.Donef("Uploaded %s in %s", name, elapsed.Round(time.Second))
}

func (m *Manager) abortQuietly(ctx context.Context, fileID, uploadID string) {
	if _, err := m.transport.AbortUpload(ctx, fileID, uploadID); err != nil {
		m.logger.Warnf("Failed to abort upload %s: %s", uploadID, err)
		return
	}
	m.logger.Debugf("Aborted upload %s", uploadID)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
