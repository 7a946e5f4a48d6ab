// Package auth describes the access-token collaborator used by the upload
// transport and the progress channel. Token issuing and refresh live in the
// auth service; this package only consumes them.
package auth

import (
	"context"
	"errors"

	"github.com/bitrise-io/go-utils/v2/env"
)

// AccessTokenEnvKey is the environment variable read by FromEnv.
const AccessTokenEnvKey = "CITEQA_ACCESS_TOKEN"

// ErrNoToken is returned when no access token is available.
var ErrNoToken = errors.New("no access token available")

// TokenSource provides the caller's current access token.
// Implementations are expected to refresh expired tokens themselves.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Static is a TokenSource returning a fixed token.
type Static string

// AccessToken ...
func (s Static) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

type envSource struct {
	repo env.Repository
}

// FromEnv reads the token from CITEQA_ACCESS_TOKEN on every call, so a token
// rotated by an external process is picked up without a restart.
func FromEnv(repo env.Repository) TokenSource {
	return envSource{repo: repo}
}

func (s envSource) AccessToken(context.Context) (string, error) {
	token := s.repo.Get(AccessTokenEnvKey)
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Optional returns the token or an empty string when none is available.
// Used where the backend accepts anonymous access (local development).
func Optional(ctx context.Context, src TokenSource) string {
	if src == nil {
		return ""
	}
	token, err := src.AccessToken(ctx)
	if err != nil {
		return ""
	}
	return token
}
