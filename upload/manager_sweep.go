package upload

import (
	"context"
	"fmt"
	"math"
	"time"
)

// SweepTimeouts flags uploading files that are close to their time budget and
// fails the ones that exceeded it. Paused time counts towards the budget.
func (m *Manager) SweepTimeouts(now time.Time) {
	var e effects
	m.mu.Lock()
	for _, id := range m.order {
		f := m.files[id]
		if f.Status != StatusUploading || f.StartTime.IsZero() {
			continue
		}

		elapsed := now.Sub(f.StartTime)
		switch {
		case elapsed > m.cfg.timeout():
			m.failLocked(f, StatusTimeout, fmt.Sprintf("Upload timed out after %d minutes", m.cfg.TimeoutMinutes), &e)
		case elapsed >= m.cfg.warningAt() && !f.TimeoutWarning:
			f.TimeoutWarning = true
			m.touch(f)
			m.logger.Warnf("%s is about to time out (%d minutes left)", f.File.Name, m.cfg.WarningThreshold)
		}
	}
	m.mu.Unlock()

	m.apply(&e)
}

// SweepProgress refreshes speed and remaining time of the uploading files.
func (m *Manager) SweepProgress(now time.Time) {
	m.mu.Lock()
	for _, id := range m.order {
		f := m.files[id]
		if f.Status != StatusUploading || f.StartTime.IsZero() {
			continue
		}

		elapsedMs := now.Sub(f.StartTime).Milliseconds()
		if elapsedMs <= 0 {
			continue
		}

		f.Speed = float64(f.UploadedBytes) / float64(elapsedMs) * 1000
		if f.Speed > 0 {
			f.RemainingTime = float64(f.File.Size-f.UploadedBytes) / f.Speed
		} else {
			f.RemainingTime = math.Inf(1)
		}
		m.touch(f)
	}
	m.mu.Unlock()
}

// SetOnline pauses every uploading file when the network goes away and
// resumes every paused file when it comes back. No queued file is started
// while offline.
func (m *Manager) SetOnline(online bool) {
	var e effects
	m.mu.Lock()
	m.offline = !online
	for _, id := range m.order {
		f := m.files[id]
		switch {
		case !online && f.Status == StatusUploading:
			if err := m.pauseLocked(f); err != nil {
				m.logger.Errorf("%s", err)
			}
		case online && f.Status == StatusPaused:
			if err := m.resumeLocked(f, &e); err != nil {
				m.logger.Errorf("%s", err)
			}
		}
	}
	if online {
		m.drainLocked(&e)
	}
	m.mu.Unlock()

	if online {
		m.logger.Infof("Network is back, resuming paused uploads")
	} else {
		m.logger.Warnf("Network is down, pausing uploads")
	}
	m.apply(&e)
}

// WatchConnectivity feeds connectivity changes into SetOnline until ctx is
// done or the channel is closed.
func (m *Manager) WatchConnectivity(ctx context.Context, online <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case v, ok := <-online:
			if !ok {
				return
			}
			m.SetOnline(v)
		}
	}
}

// Start runs the timeout and progress sweeps in the background until ctx is
// done or the manager is closed.
func (m *Manager) Start(ctx context.Context) {
	m.goRun(func() {
		timeoutTicker := time.NewTicker(m.cfg.TimeoutSweepInterval)
		defer timeoutTicker.Stop()
		progressTicker := time.NewTicker(m.cfg.ProgressSweepInterval)
		defer progressTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-timeoutTicker.C:
				m.SweepTimeouts(m.now())
			case <-progressTicker.C:
				m.SweepProgress(m.now())
			}
		}
	})
}
