package progress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
)

// ChannelStatus ...
type ChannelStatus string

// Channel states. Exhausted is final: the channel gave up reconnecting.
const (
	ChannelIdle       ChannelStatus = "idle"
	ChannelConnecting ChannelStatus = "connecting"
	ChannelConnected  ChannelStatus = "connected"
	ChannelError      ChannelStatus = "error"
	ChannelClosed     ChannelStatus = "closed"
	ChannelExhausted  ChannelStatus = "exhausted"
)

// Reconnect defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectInterval = 30 * time.Second
)

const closeGracePeriod = time.Second

// ErrChannelStarted is returned by Connect on a channel that was already
// started.
var ErrChannelStarted = errors.New("channel already started")

// ChannelOptions configures a Channel. Callbacks run on the channel's
// goroutine, one at a time.
type ChannelOptions struct {
	OnMessage   func(Event)
	OnError     func(error)
	OnOpen      func()
	OnClose     func()
	OnExhausted func()

	MaxReconnectAttempts int
	// ReconnectInterval is the delay before the first reconnect attempt. It
	// doubles with every further attempt up to MaxReconnectInterval, with
	// ±20% jitter.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	// HeartbeatInterval enables ping messages when positive.
	HeartbeatInterval time.Duration

	Dialer *websocket.Dialer
	Logger log.Logger
}

// ProcessingURL returns the progress endpoint of a file.
func ProcessingURL(wsBaseURL, fileUUID, token string) string {
	return channelURL(wsBaseURL, "processing", fileUUID, token)
}

// ChatURL returns the progress endpoint of a chat query.
func ChatURL(wsBaseURL, queryUUID, token string) string {
	return channelURL(wsBaseURL, "chat", queryUUID, token)
}

func channelURL(base, kind, id, token string) string {
	u := fmt.Sprintf("%s/ws/%s/%s", strings.TrimSuffix(base, "/"), kind, url.PathEscape(id))
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Channel keeps a WebSocket connection to one progress endpoint open and
// reconnects a bounded number of times when it drops.
type Channel struct {
	url    string
	opts   ChannelOptions
	logger log.Logger
	dialer *websocket.Dialer
	jitter func(time.Duration) time.Duration

	mu       sync.Mutex
	status   ChannelStatus
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewChannel returns an idle channel for the given WebSocket URL.
func NewChannel(endpoint string, opts ChannelOptions) *Channel {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectInterval < opts.ReconnectInterval {
		opts.MaxReconnectInterval = DefaultMaxReconnectInterval
		if opts.MaxReconnectInterval < opts.ReconnectInterval {
			opts.MaxReconnectInterval = opts.ReconnectInterval
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	return &Channel{
		url:    endpoint,
		opts:   opts,
		logger: logger,
		dialer: dialer,
		jitter: jitter,
		status: ChannelIdle,
	}
}

// Connect starts connecting in the background. A channel can be started once.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return ErrChannelStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status = ChannelConnecting
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It does not wait
// for the channel goroutine, so it may be called from a callback.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	if cancel == nil {
		c.status = ChannelClosed
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the channel goroutine returned.
func (c *Channel) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Status returns the current connection state.
func (c *Channel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the number of reconnect attempts since the last
// successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) setStatus(status ChannelStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(ChannelClosed)
				return
			}
			c.failed(fmt.Errorf("connect: %w", err))
		} else {
			c.opened()
			err := c.serve(ctx, conn)
			if ctx.Err() != nil {
				c.setStatus(ChannelClosed)
				c.closed()
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setStatus(ChannelClosed)
				c.logger.Debugf("Progress channel closed by the server")
			} else {
				c.failed(err)
			}
			c.closed()
		}

		delay, ok := c.nextAttempt()
		if !ok {
			c.setStatus(ChannelExhausted)
			c.logger.Warnf("Progress channel gave up after %d reconnect attempts", c.opts.MaxReconnectAttempts)
			if c.opts.OnExhausted != nil {
				c.opts.OnExhausted()
			}
			return
		}

		c.logger.Debugf("Reconnecting progress channel in %s", delay.Round(time.Millisecond))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setStatus(ChannelClosed)
			return
		case <-timer.C:
		}
		c.setStatus(ChannelConnecting)
	}
}

func (c *Channel) opened() {
	c.mu.Lock()
	c.attempts = 0
	c.status = ChannelConnected
	c.mu.Unlock()

	c.logger.Debugf("Progress channel connected")
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
}

func (c *Channel) failed(err error) {
	c.setStatus(ChannelError)
	c.logger.Warnf("Progress channel error: %s", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func (c *Channel) closed() {
	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
}

func (c *Channel) nextAttempt() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts >= c.opts.MaxReconnectAttempts {
		return 0, false
	}
	c.attempts++
	return c.backoff(c.attempts), true
}

// backoff returns ReconnectInterval * 2^(attempt-1), capped and jittered.
func (c *Channel) backoff(attempt int) time.Duration {
	delay := retryablehttp.DefaultBackoff(c.opts.ReconnectInterval, c.opts.MaxReconnectInterval, attempt-1, nil)
	delay = c.jitter(delay)
	if delay > c.opts.MaxReconnectInterval {
		delay = c.opts.MaxReconnectInterval
	}
	return delay
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// serve reads messages until the connection fails or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(closeGracePeriod)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		case <-stop:
		}
	}()

	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(conn, stop)
	}

	defer conn.Close() //nolint:errcheck
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Channel) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			msg, err := EncodeEvent(Ping{Time: now.UnixMilli()})
			if err != nil {
				c.logger.Warnf("%s", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debugf("Heartbeat failed: %s", err)
				return
			}
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	event, err := DecodeEvent(data)
	if err != nil {
		c.logger.Warnf("Dropping progress message: %s", err)
		return
	}

	switch e := event.(type) {
	case Pong:
		c.logger.Debugf("Heartbeat answered (%d)", e.Time)
	case ConnectionEstablished:
		c.logger.Debugf("Progress channel established: %s", e.Status)
	default:
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(event)
		}
	}
}
