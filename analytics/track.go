// Package analytics builds the usage tracker of the command line client.
package analytics

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// TrackerFactory creates a tracker that attaches the given properties to
// every event.
type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

// Usage tracking is opt-in: it is only enabled when both the collector
// endpoint and a client id are set.
const (
	EndpointEnvKey = "CITEQA_ANALYTICS_URL"
	ClientIDEnvKey = "CITEQA_ANALYTICS_CLIENT_ID"
	ClientID       = "client_id"
	Version        = "client_version"
)

const (
	sendTimeout = 10 * time.Second
	waitTimeout = 5 * time.Second
)

// NewClientTracker builds a tracker with trackerFactory, or returns an
// error when no client id is configured.
func NewClientTracker(repository env.Repository, logger log.Logger, version string, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	clientID := repository.Get(ClientIDEnvKey)
	if clientID == "" {
		return nil, fmt.Errorf("no analytics client ID found")
	}
	return trackerFactory(logger, analytics.Properties{ClientID: clientID, Version: version}), nil
}

// NewDefaultClientTracker sends events to the collector named by
// CITEQA_ANALYTICS_URL.
func NewDefaultClientTracker(repository env.Repository, logger log.Logger, version string) (analytics.Tracker, error) {
	endpoint := repository.Get(EndpointEnvKey)
	if endpoint == "" {
		return nil, fmt.Errorf("no analytics endpoint configured")
	}
	return NewClientTracker(repository, logger, version, EndpointTrackerFactory(endpoint))
}

// EndpointTrackerFactory returns a factory of trackers posting each event as
// JSON to endpoint.
func EndpointTrackerFactory(endpoint string) TrackerFactory {
	return func(logger log.Logger, properties ...analytics.Properties) analytics.Tracker {
		retryClient := retryhttp.NewClient(logger)
		retryClient.RetryMax = 1
		httpClient := retryClient.StandardClient()
		httpClient.Timeout = sendTimeout

		client := analytics.NewClient(httpClient, endpoint, logger, sendTimeout)
		return analytics.NewTracker(client, waitTimeout, properties...)
	}
}
