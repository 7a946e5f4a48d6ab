package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/citeqa/client/auth"
	"github.com/gorilla/websocket"
)

// ErrTrackerStarted is returned by Start on a tracker that was already started.
var ErrTrackerStarted = errors.New("tracker already started")

// Snapshot is what a tracker reports to its caller.
type Snapshot[P any] struct {
	Progress P
	// ConnectionError is the last channel failure, if any.
	ConnectionError string
	// FallbackMode is set once progress is polled instead of pushed.
	FallbackMode bool
}

// TrackerOptions configures a Tracker. Callbacks are invoked one at a time,
// in order, and never while the tracker holds a lock. They must not call Wait.
type TrackerOptions[P any] struct {
	// WSBaseURL is the ws(s):// root of the progress channels. Without it the
	// tracker polls from the start.
	WSBaseURL string
	// APIBaseURL is the REST root used for polling.
	APIBaseURL string
	Tokens     auth.TokenSource
	Logger     log.Logger

	OnUpdate   func(Snapshot[P])
	OnComplete func(P)
	OnFail     func(message string)

	PollInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	HeartbeatInterval    time.Duration
	Dialer               *websocket.Dialer
}

// FileTrackerOptions ...
type FileTrackerOptions = TrackerOptions[FileProcessingProgress]

// QueryTrackerOptions ...
type QueryTrackerOptions = TrackerOptions[QueryProcessingProgress]

// FileSnapshot ...
type FileSnapshot = Snapshot[FileProcessingProgress]

// QuerySnapshot ...
type QuerySnapshot = Snapshot[QueryProcessingProgress]

// FileTracker follows the processing of one uploaded file.
type FileTracker = Tracker[FileProcessingProgress]

// QueryTracker follows the processing of one chat query.
type QueryTracker = Tracker[QueryProcessingProgress]

// trackerKind holds what differs between file and query tracking.
type trackerKind[P any] struct {
	name         string
	initial      func() P
	reduce       func(P, Event) P
	decodePoll   func([]byte) (func(P) P, error)
	status       func(P) Status
	errorMessage func(P) string
	clone        func(P) P
	channelURL   func(base, id, token string) string
	pollURL      func(base, id string) string
}

var fileKind = trackerKind[FileProcessingProgress]{
	name:    "file",
	initial: NewFileProgress,
	reduce:  ReduceFile,
	decodePoll: func(body []byte) (func(FileProcessingProgress) FileProcessingProgress, error) {
		var resp FilePollResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return resp.Apply, nil
	},
	status:       func(p FileProcessingProgress) Status { return p.Status },
	errorMessage: func(p FileProcessingProgress) string { return p.ErrorMessage },
	clone:        FileProcessingProgress.Clone,
	channelURL:   ProcessingURL,
	pollURL:      FileProgressURL,
}

var queryKind = trackerKind[QueryProcessingProgress]{
	name:    "query",
	initial: NewQueryProgress,
	reduce:  ReduceQuery,
	decodePoll: func(body []byte) (func(QueryProcessingProgress) QueryProcessingProgress, error) {
		var resp QueryPollResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return resp.Apply, nil
	},
	status:       func(p QueryProcessingProgress) Status { return p.Status },
	errorMessage: func(p QueryProcessingProgress) string { return p.ErrorMessage },
	clone:        QueryProcessingProgress.Clone,
	channelURL:   ChatURL,
	pollURL:      QueryProgressURL,
}

// Tracker follows server-side processing over a progress channel and falls
// back to polling once the channel fails. OnComplete or OnFail fires exactly
// once, after which the channel and the poller are shut down.
type Tracker[P any] struct {
	id     string
	kind   trackerKind[P]
	opts   TrackerOptions[P]
	logger log.Logger

	// emitMu orders updates and callbacks coming from the channel and the
	// poller.
	emitMu sync.Mutex

	mu      sync.Mutex
	snap    Snapshot[P]
	ctx     context.Context
	cancel  context.CancelFunc
	channel *Channel

	pollOnce   sync.Once
	finishOnce sync.Once
	pollers    sync.WaitGroup
}

// NewFileTracker follows the processing of an uploaded file.
func NewFileTracker(fileUUID string, opts FileTrackerOptions) *FileTracker {
	return newTracker(fileUUID, fileKind, opts)
}

// NewQueryTracker follows a chat query until its answer is ready.
func NewQueryTracker(queryUUID string, opts QueryTrackerOptions) *QueryTracker {
	return newTracker(queryUUID, queryKind, opts)
}

func newTracker[P any](id string, kind trackerKind[P], opts TrackerOptions[P]) *Tracker[P] {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Tracker[P]{
		id:     id,
		kind:   kind,
		opts:   opts,
		logger: logger,
		snap:   Snapshot[P]{Progress: kind.initial()},
	}
}

// Start opens the progress channel, or starts polling right away when no
// channel endpoint is configured.
func (t *Tracker[P]) Start(ctx context.Context) error {
	if t.opts.WSBaseURL == "" && t.opts.APIBaseURL == "" {
		return fmt.Errorf("track %s %s: neither a channel nor a polling endpoint is configured", t.kind.name, t.id)
	}

	t.mu.Lock()
	if t.ctx != nil {
		t.mu.Unlock()
		return ErrTrackerStarted
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	ctx = t.ctx
	t.mu.Unlock()

	if t.opts.WSBaseURL == "" {
		t.logger.Debugf("No progress channel configured for %s %s, polling", t.kind.name, t.id)
		t.fallback("")
		return nil
	}

	channel := NewChannel(t.kind.channelURL(t.opts.WSBaseURL, t.id, auth.Optional(ctx, t.opts.Tokens)), ChannelOptions{
		OnMessage: t.handleEvent,
		OnError: func(err error) {
			t.fallback(err.Error())
		},
		OnExhausted: func() {
			t.fallback(fmt.Sprintf("progress channel unavailable after %d reconnect attempts", t.channelAttempts()))
		},
		MaxReconnectAttempts: t.opts.MaxReconnectAttempts,
		ReconnectInterval:    t.opts.ReconnectInterval,
		MaxReconnectInterval: t.opts.MaxReconnectInterval,
		HeartbeatInterval:    t.opts.HeartbeatInterval,
		Dialer:               t.opts.Dialer,
		Logger:               t.logger,
	})

	t.mu.Lock()
	t.channel = channel
	t.mu.Unlock()

	t.logger.Debugf("Tracking %s %s", t.kind.name, t.id)
	return channel.Connect(ctx)
}

// Stop shuts the channel and the poller down without firing any callback.
// It does not wait; see Wait.
func (t *Tracker[P]) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	channel := t.channel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if channel != nil {
		channel.Disconnect()
	}
}

// Wait blocks until the channel and the poller returned. Call it after Stop
// or once the tracker finished; never from a callback.
func (t *Tracker[P]) Wait() {
	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()

	if channel != nil {
		channel.Wait()
	}
	t.pollers.Wait()
}

// Snapshot returns a copy of the current state.
func (t *Tracker[P]) Snapshot() Snapshot[P] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker[P]) snapshotLocked() Snapshot[P] {
	snap := t.snap
	snap.Progress = t.kind.clone(snap.Progress)
	return snap
}

func (t *Tracker[P]) channelAttempts() int {
	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()

	if channel == nil {
		return 0
	}
	return channel.Attempts()
}

func (t *Tracker[P]) handleEvent(event Event) {
	if unknown, ok := event.(UnknownEvent); ok {
		t.logger.Debugf("Ignoring %s event for %s %s", unknown.Name, t.kind.name, t.id)
		return
	}
	t.update(func(p P) P {
		return t.kind.reduce(p, event)
	})
}

func (t *Tracker[P]) handlePoll(body []byte) (bool, error) {
	apply, err := t.kind.decodePoll(body)
	if err != nil {
		return false, err
	}
	return t.update(apply), nil
}

// update applies fn, reports the result and finishes the tracker on a
// terminal status. It returns whether the status is terminal.
func (t *Tracker[P]) update(fn func(P) P) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	before := t.kind.status(t.snap.Progress)
	if before.Terminal() {
		t.mu.Unlock()
		return true
	}
	t.snap.Progress = fn(t.snap.Progress)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(snap)
	}
	if t.kind.status(snap.Progress).Terminal() {
		t.finish(snap.Progress)
		return true
	}
	return false
}

// fallback records a channel failure and makes sure polling runs.
func (t *Tracker[P]) fallback(reason string) {
	t.emitMu.Lock()
	t.mu.Lock()
	if t.kind.status(t.snap.Progress).Terminal() {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return
	}
	if reason != "" {
		t.snap.ConnectionError = reason
	}
	t.snap.FallbackMode = true
	snap := t.snapshotLocked()
	ctx := t.ctx
	t.mu.Unlock()

	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(snap)
	}
	t.emitMu.Unlock()

	if t.opts.APIBaseURL == "" {
		t.logger.Warnf("Progress channel of %s %s failed and no polling endpoint is configured", t.kind.name, t.id)
		return
	}

	t.pollOnce.Do(func() {
		t.logger.Warnf("Following %s %s by polling", t.kind.name, t.id)
		poller := NewPoller(t.kind.pollURL(t.opts.APIBaseURL, t.id), t.opts.Tokens, t.opts.PollInterval, t.logger)

		t.pollers.Add(1)
		go func() {
			defer t.pollers.Done()
			poller.Run(ctx, t.handlePoll)
		}()
	})
}

// finish runs with emitMu held.
func (t *Tracker[P]) finish(p P) {
	t.finishOnce.Do(func() {
		t.Stop()

		if t.kind.status(p) == StatusCompleted {
			t.logger.Donef("Processing of %s %s completed", t.kind.name, t.id)
			if t.opts.OnComplete != nil {
				t.opts.OnComplete(t.kind.clone(p))
			}
			return
		}

		message := t.kind.errorMessage(p)
		t.logger.Errorf("Processing of %s %s failed: %s", t.kind.name, t.id, message)
		if t.opts.OnFail != nil {
			t.opts.OnFail(message)
		}
	})
}
