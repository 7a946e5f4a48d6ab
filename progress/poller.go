package progress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/citeqa/client/auth"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = 2 * time.Second

const maxPollBodySize = 1 << 20

// FileProgressURL returns the polling endpoint of a file.
func FileProgressURL(apiBaseURL, fileUUID string) string {
	return fmt.Sprintf("%s/files/%s/progress", strings.TrimSuffix(apiBaseURL, "/"), url.PathEscape(fileUUID))
}

// QueryProgressURL returns the polling endpoint of a chat query.
func QueryProgressURL(apiBaseURL, queryUUID string) string {
	return fmt.Sprintf("%s/chat/queries/%s/progress", strings.TrimSuffix(apiBaseURL, "/"), url.PathEscape(queryUUID))
}

// FilePollResponse is the flat body of the file polling endpoint.
type FilePollResponse struct {
	Status       string  `json:"status"`
	CurrentStep  string  `json:"current_step"`
	Progress     float64 `json:"progress"`
	Current      int     `json:"current"`
	Total        int     `json:"total"`
	ErrorMessage string  `json:"error_message"`
}

// Apply maps the response onto the snapshot used by the event reducer.
func (r FilePollResponse) Apply(p FileProcessingProgress) FileProcessingProgress {
	if p.Status.Terminal() {
		return p
	}

	if status, ok := parseStatus(r.Status); ok {
		p.Status = status
	}
	if r.CurrentStep != "" {
		p.CurrentStep = r.CurrentStep
	}
	p.Progress = clampProgress(r.Progress)
	p.Current = r.Current
	p.Total = r.Total

	switch p.Status {
	case StatusCompleted:
		p.Progress = 100
		if r.CurrentStep == "" {
			p.CurrentStep = StepProcessingCompleted
		}
	case StatusFailed:
		p.ErrorMessage = r.ErrorMessage
		if p.ErrorMessage == "" {
			p.ErrorMessage = defaultProcessingFailMessage
		}
	}
	return p
}

// QueryPollResponse is the flat body of the query polling endpoint.
type QueryPollResponse struct {
	Status           string         `json:"status"`
	CurrentStep      string         `json:"current_step"`
	Progress         float64        `json:"progress"`
	Keywords         []string       `json:"keywords"`
	FoundDefinitions map[string]int `json:"found_definitions"`
	ErrorMessage     string         `json:"error_message"`
}

// Apply maps the response onto the snapshot used by the event reducer.
func (r QueryPollResponse) Apply(p QueryProcessingProgress) QueryProcessingProgress {
	if p.Status.Terminal() {
		return p
	}

	if status, ok := parseStatus(r.Status); ok {
		p.Status = status
	}
	if r.CurrentStep != "" {
		p.CurrentStep = r.CurrentStep
	}
	p.Progress = clampProgress(r.Progress)
	if len(r.Keywords) > 0 {
		p.Keywords = append([]string(nil), r.Keywords...)
	}
	if r.FoundDefinitions != nil {
		p.FoundDefinitions = cloneCounts(r.FoundDefinitions)
	}

	switch p.Status {
	case StatusCompleted:
		p.Progress = 100
		if r.CurrentStep == "" {
			p.CurrentStep = StepQueryCompleted
		}
	case StatusFailed:
		p.ErrorMessage = r.ErrorMessage
		if p.ErrorMessage == "" {
			p.ErrorMessage = defaultQueryFailMessage
		}
	}
	return p
}

// Poller fetches a progress endpoint on a fixed interval. Failed fetches are
// logged and retried on the next tick.
type Poller struct {
	client   *retryablehttp.Client
	url      string
	tokens   auth.TokenSource
	interval time.Duration
	logger   log.Logger
}

// NewPoller returns a poller fetching endpoint every interval.
func NewPoller(endpoint string, tokens auth.TokenSource, interval time.Duration, logger log.Logger) *Poller {
	if logger == nil {
		logger = log.NewLogger()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Poller{
		client:   client,
		url:      endpoint,
		tokens:   tokens,
		interval: interval,
		logger:   logger,
	}
}

// Run fetches right away and then every interval, handing each body to
// handle, until handle reports done or ctx is cancelled.
func (p *Poller) Run(ctx context.Context, handle func(body []byte) (done bool, err error)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.poll(ctx, handle) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, handle func([]byte) (bool, error)) bool {
	body, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.logger.Warnf("Polling %s failed: %s", p.url, err)
		return false
	}

	done, err := handle(body)
	if err != nil {
		p.logger.Warnf("Invalid polling response from %s: %s", p.url, err)
		return false
	}
	return done
}

func (p *Poller) fetch(ctx context.Context) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	if token := auth.Optional(ctx, p.tokens); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			p.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBodySize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
