package upload

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config is the upload policy. It is loaded once and must not be changed
// after it was handed to NewManager.
type Config struct {
	MaxFileSize       int64
	AcceptedFileTypes []string
	ChunkSize         int64
	// MaxRetries is the number of failed attempts a single chunk may have
	// before its file is marked as failed.
	MaxRetries int
	// ConcurrentUploads caps the number of files uploading at the same time.
	ConcurrentUploads int
	// ChunkConcurrency caps the in-flight chunk requests of one file.
	// Zero means ConcurrentUploads.
	ChunkConcurrency int
	TimeoutMinutes   int
	// WarningThreshold is how many minutes before the timeout the file gets
	// flagged with a timeout warning.
	WarningThreshold int

	RetryDelay            time.Duration
	TimeoutSweepInterval  time.Duration
	ProgressSweepInterval time.Duration
}

// DefaultConfig returns the limits the backend accepts: 10MiB PDFs sent in
// 5MiB chunks, three files at a time.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:           10 * units.MiB,
		AcceptedFileTypes:     []string{"application/pdf"},
		ChunkSize:             5 * units.MiB,
		MaxRetries:            3,
		ConcurrentUploads:     3,
		TimeoutMinutes:        30,
		WarningThreshold:      5,
		RetryDelay:            time.Second,
		TimeoutSweepInterval:  10 * time.Second,
		ProgressSweepInterval: time.Second,
	}
}

// Validate reports the first limit that is not positive or not consistent.
func (c Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size should be positive")
	}
	if len(c.AcceptedFileTypes) == 0 {
		return fmt.Errorf("at least one accepted file type is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size should be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries should be at least 1")
	}
	if c.ConcurrentUploads < 1 {
		return fmt.Errorf("concurrent uploads should be at least 1")
	}
	if c.ChunkConcurrency < 0 {
		return fmt.Errorf("chunk concurrency should not be negative")
	}
	if c.TimeoutMinutes < 1 {
		return fmt.Errorf("timeout should be at least 1 minute")
	}
	if c.WarningThreshold < 0 || c.WarningThreshold >= c.TimeoutMinutes {
		return fmt.Errorf("warning threshold should be between 0 and %d minutes", c.TimeoutMinutes-1)
	}
	return nil
}

// Accepts reports whether the MIME type is on the allow list.
func (c Config) Accepts(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, t := range c.AcceptedFileTypes {
		if strings.EqualFold(t, mimeType) {
			return true
		}
	}
	return false
}

func (c Config) chunkConcurrency() int {
	if c.ChunkConcurrency > 0 {
		return c.ChunkConcurrency
	}
	return c.ConcurrentUploads
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func (c Config) warningAt() time.Duration {
	return time.Duration(c.TimeoutMinutes-c.WarningThreshold) * time.Minute
}

type fileConfig struct {
	MaxFileSize       string   `yaml:"max_file_size"`
	AcceptedFileTypes []string `yaml:"accepted_file_types"`
	ChunkSize         string   `yaml:"chunk_size"`
	MaxRetries        *int     `yaml:"max_retries"`
	ConcurrentUploads *int     `yaml:"concurrent_uploads"`
	ChunkConcurrency  *int     `yaml:"chunk_concurrency"`
	TimeoutMinutes    *int     `yaml:"timeout_minutes"`
	WarningThreshold  *int     `yaml:"warning_threshold"`
	RetryDelay        string   `yaml:"retry_delay"`
}

// Environment variables overriding the config file.
const (
	MaxFileSizeEnvKey       = "CITEQA_MAX_FILE_SIZE"
	ChunkSizeEnvKey         = "CITEQA_CHUNK_SIZE"
	ConcurrentUploadsEnvKey = "CITEQA_CONCURRENT_UPLOADS"
	MaxRetriesEnvKey        = "CITEQA_MAX_RETRIES"
	TimeoutMinutesEnvKey    = "CITEQA_TIMEOUT_MINUTES"
)

// LoadConfig starts from DefaultConfig, applies the YAML file at path (when
// path is not empty) and then the CITEQA_* environment overrides.
func LoadConfig(path string, envRepo env.Repository) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.applyYAML(content); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envRepo != nil {
		if err := cfg.applyEnv(envRepo); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyYAML(content []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(content, &fc); err != nil {
		return err
	}

	if fc.MaxFileSize != "" {
		size, err := units.RAMInBytes(fc.MaxFileSize)
		if err != nil {
			return fmt.Errorf("max_file_size: %w", err)
		}
		c.MaxFileSize = size
	}
	if fc.ChunkSize != "" {
		size, err := units.RAMInBytes(fc.ChunkSize)
		if err != nil {
			return fmt.Errorf("chunk_size: %w", err)
		}
		c.ChunkSize = size
	}
	if len(fc.AcceptedFileTypes) > 0 {
		c.AcceptedFileTypes = fc.AcceptedFileTypes
	}
	if fc.RetryDelay != "" {
		d, err := time.ParseDuration(fc.RetryDelay)
		if err != nil {
			return fmt.Errorf("retry_delay: %w", err)
		}
		c.RetryDelay = d
	}
	setInt(&c.MaxRetries, fc.MaxRetries)
	setInt(&c.ConcurrentUploads, fc.ConcurrentUploads)
	setInt(&c.ChunkConcurrency, fc.ChunkConcurrency)
	setInt(&c.TimeoutMinutes, fc.TimeoutMinutes)
	setInt(&c.WarningThreshold, fc.WarningThreshold)
	return nil
}

func (c *Config) applyEnv(envRepo env.Repository) error {
	if v := envRepo.Get(MaxFileSizeEnvKey); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("%s: %w", MaxFileSizeEnvKey, err)
		}
		c.MaxFileSize = size
	}
	if v := envRepo.Get(ChunkSizeEnvKey); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("%s: %w", ChunkSizeEnvKey, err)
		}
		c.ChunkSize = size
	}

	ints := []struct {
		key    string
		target *int
	}{
		{ConcurrentUploadsEnvKey, &c.ConcurrentUploads},
		{MaxRetriesEnvKey, &c.MaxRetries},
		{TimeoutMinutesEnvKey, &c.TimeoutMinutes},
	}
	for _, i := range ints {
		v := envRepo.Get(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.target = n
	}
	return nil
}

func setInt(target *int, value *int) {
	if value != nil {
		*target = *value
	}
}
