package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/citeqa/client/auth"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome[P any] struct {
	mu        sync.Mutex
	updates   []Snapshot[P]
	completed []P
	failed    []string
}

func (o *outcome[P]) options() TrackerOptions[P] {
	return TrackerOptions[P]{
		OnUpdate: func(s Snapshot[P]) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.updates = append(o.updates, s)
		},
		OnComplete: func(p P) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.completed = append(o.completed, p)
		},
		OnFail: func(message string) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.failed = append(o.failed, message)
		},
		PollInterval:      5 * time.Millisecond,
		ReconnectInterval: time.Millisecond,
	}
}

func (o *outcome[P]) finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.completed)+len(o.failed) > 0
}

func (o *outcome[P]) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.completed), len(o.failed)
}

func waitForTracker(t *testing.T, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not shut down")
	}
}

func TestFileTracker_FollowsChannel(t *testing.T) {
	server := newWSServer(t, func(_ int, conn *websocket.Conn) {
		writeEvents(t, conn,
			ConnectionEstablished{Status: "connected"},
			ProcessingStarted{FileUUID: "f1"},
			SentenceClassificationProgress{FileUUID: "f1", Progress: 50, Current: 1, Total: 2},
			ProcessingCompleted{FileUUID: "f1"},
			ProcessingCompleted{FileUUID: "f1"},
		)
		drain(conn)
	})

	var out outcome[FileProcessingProgress]
	opts := out.options()
	opts.WSBaseURL = wsURL(server)
	opts.APIBaseURL = server.URL

	tracker := NewFileTracker("f1", opts)
	require.NoError(t, tracker.Start(context.Background()))
	require.Eventually(t, out.finished, 5*time.Second, 5*time.Millisecond)
	waitForTracker(t, tracker.Wait)

	completed, failed := out.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 100, out.completed[0].Progress)
	assert.Len(t, out.updates, 3)
	assert.Equal(t, 75, out.updates[1].Progress.Progress)

	snap := tracker.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Progress.Status)
	assert.False(t, snap.FallbackMode)
	assert.Empty(t, snap.ConnectionError)

	assert.ErrorIs(t, tracker.Start(context.Background()), ErrTrackerStarted)
}

func TestFileTracker_FallsBackToPolling(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/ws/processing/"):
			assert.Equal(t, "secret", r.URL.Query().Get("token"))
			http.Error(w, "no upgrade", http.StatusBadGateway)
		case r.URL.Path == "/files/f1/progress":
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			if atomic.AddInt32(&polls, 1) < 3 {
				_, _ = w.Write([]byte(`{"status":"processing","current_step":"PDF 文字提取中","progress":20}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"completed","progress":100}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	var out outcome[FileProcessingProgress]
	opts := out.options()
	opts.WSBaseURL = wsURL(server)
	opts.APIBaseURL = server.URL
	opts.Tokens = auth.Static("secret")
	opts.MaxReconnectAttempts = 1

	tracker := NewFileTracker("f1", opts)
	require.NoError(t, tracker.Start(context.Background()))
	require.Eventually(t, out.finished, 5*time.Second, 5*time.Millisecond)
	waitForTracker(t, tracker.Wait)

	completed, failed := out.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))

	snap := tracker.Snapshot()
	assert.True(t, snap.FallbackMode)
	assert.NotEmpty(t, snap.ConnectionError)
	assert.Equal(t, StatusCompleted, snap.Progress.Status)
	assert.Equal(t, StepProcessingCompleted, snap.Progress.CurrentStep)
}

func TestQueryTracker_Failure(t *testing.T) {
	server := newWSServer(t, func(_ int, conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"query_processing_started","query_uuid":"q1"}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"keyword_extraction_completed","query_uuid":"q1","keywords":["a","b"]}`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"query_failed","query_uuid":"q1","error_message":"llm unavailable"}`)))
		drain(conn)
	})

	var out outcome[QueryProcessingProgress]
	opts := out.options()
	opts.WSBaseURL = wsURL(server)

	tracker := NewQueryTracker("q1", opts)
	require.NoError(t, tracker.Start(context.Background()))
	require.Eventually(t, out.finished, 5*time.Second, 5*time.Millisecond)
	waitForTracker(t, tracker.Wait)

	completed, failed := out.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, "llm unavailable", out.failed[0])

	snap := tracker.Snapshot()
	assert.Equal(t, StatusFailed, snap.Progress.Status)
	assert.Equal(t, []string{"a", "b"}, snap.Progress.Keywords)
}

func TestQueryTracker_PollsWithoutChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/queries/q1/progress", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"completed","progress":100,"keywords":["lease"]}`))
	}))
	defer server.Close()

	var out outcome[QueryProcessingProgress]
	opts := out.options()
	opts.APIBaseURL = server.URL

	tracker := NewQueryTracker("q1", opts)
	require.NoError(t, tracker.Start(context.Background()))
	require.Eventually(t, out.finished, 5*time.Second, 5*time.Millisecond)
	waitForTracker(t, tracker.Wait)

	snap := tracker.Snapshot()
	assert.True(t, snap.FallbackMode)
	assert.Empty(t, snap.ConnectionError)
	assert.Equal(t, []string{"lease"}, snap.Progress.Keywords)
	assert.Equal(t, []string{"lease"}, out.completed[0].Keywords)
}

func TestTracker_RequiresAnEndpoint(t *testing.T) {
	tracker := NewFileTracker("f1", FileTrackerOptions{})
	require.Error(t, tracker.Start(context.Background()))
}

func TestTracker_StopWithoutCallbacks(t *testing.T) {
	server := newWSServer(t, func(_ int, conn *websocket.Conn) {
		writeEvents(t, conn, ProcessingStarted{FileUUID: "f1"})
		drain(conn)
	})

	var out outcome[FileProcessingProgress]
	opts := out.options()
	opts.WSBaseURL = wsURL(server)

	tracker := NewFileTracker("f1", opts)
	require.NoError(t, tracker.Start(context.Background()))
	require.Eventually(t, func() bool {
		return tracker.Snapshot().Progress.Status == StatusProcessing
	}, 5*time.Second, 5*time.Millisecond)

	tracker.Stop()
	waitForTracker(t, tracker.Wait)

	assert.False(t, out.finished())
	assert.False(t, tracker.Snapshot().FallbackMode)
}
