package main

import (
	"context"
	"errors"
	"flag"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/citeqa/client/auth"
	"github.com/citeqa/client/internal/mockbackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSURLFromAPI(t *testing.T) {
	tests := []struct {
		api  string
		want string
	}{
		{api: "http://localhost:8000/api", want: "ws://localhost:8000"},
		{api: "https://citeqa.example.com/api", want: "wss://citeqa.example.com"},
		{api: "https://citeqa.example.com", want: "wss://citeqa.example.com"},
		{api: "localhost:8000/api", want: "localhost:8000"},
	}
	for _, tt := range tests {
		t.Run(tt.api, func(t *testing.T) {
			assert.Equal(t, tt.want, wsURLFromAPI(tt.api))
		})
	}
}

func TestLoadEndpoints(t *testing.T) {
	t.Setenv(APIURLEnvKey, "")
	t.Setenv(WSURLEnvKey, "")
	got := loadEndpoints(env.NewRepository())
	assert.Equal(t, endpoints{api: defaultAPIURL, ws: "ws://localhost:8000"}, got)

	t.Setenv(APIURLEnvKey, "https://citeqa.example.com/api/")
	t.Setenv(WSURLEnvKey, "wss://events.example.com/")
	got = loadEndpoints(env.NewRepository())
	assert.Equal(t, endpoints{api: "https://citeqa.example.com/api", ws: "wss://events.example.com"}, got)
}

func TestRun_Usage(t *testing.T) {
	logger := log.NewLogger()

	err := run(context.Background(), nil, logger)
	assert.True(t, errors.Is(err, errUsage))

	err = run(context.Background(), []string{"deploy"}, logger)
	assert.True(t, errors.Is(err, errUsage))

	err = run(context.Background(), []string{"upload"}, logger)
	assert.True(t, errors.Is(err, errUsage))

	err = run(context.Background(), []string{"query", "a", "b"}, logger)
	assert.True(t, errors.Is(err, errUsage))
}

func TestRun_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "citeqa.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CITEQA_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CITEQA_TEST_DOTENV") })

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	common := registerCommonFlags(fs)
	require.NoError(t, fs.Parse([]string{"-env-file", envFile}))

	envRepo, err := common.apply(log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "loaded", envRepo.Get("CITEQA_TEST_DOTENV"))

	require.NoError(t, fs.Parse([]string{"-env-file", filepath.Join(dir, "missing.env")}))
	_, err = common.apply(log.NewLogger())
	assert.Error(t, err)
}

func TestRun_UploadAndWatch(t *testing.T) {
	backend := mockbackend.New(mockbackend.Options{Token: "secret", APIPrefix: "/api"})
	server := httptest.NewServer(backend)
	t.Cleanup(func() {
		backend.Close()
		server.Close()
	})

	t.Setenv(APIURLEnvKey, server.URL+"/api")
	t.Setenv(WSURLEnvKey, "")
	t.Setenv(auth.AccessTokenEnvKey, "secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "lease.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 lease agreement"), 0o600))

	err := run(context.Background(), []string{"upload", "-watch", filepath.Join(dir, "*.pdf")}, log.NewLogger())
	require.NoError(t, err)
}

func TestRun_QueryFailure(t *testing.T) {
	backend := mockbackend.New(mockbackend.Options{QueryError: "LLM unavailable", APIPrefix: "/api"})
	server := httptest.NewServer(backend)
	t.Cleanup(func() {
		backend.Close()
		server.Close()
	})

	t.Setenv(APIURLEnvKey, server.URL+"/api")
	t.Setenv(WSURLEnvKey, "")

	err := run(context.Background(), []string{"query", "q-1"}, log.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM unavailable")
}
