package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "")
	t.Setenv("ALLOWED_EXTENSIONS", "")
	t.Setenv("POLL_INTERVAL", "")

	cfg := FromEnv()

	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, "upload", cfg.API.SubmitMode)
	assert.Equal(t, 30*time.Minute, cfg.API.UploadTimeout)
	assert.Equal(t, 10, cfg.Tracker.MaxFiles)
	assert.Equal(t, 1500*time.Millisecond, cfg.Tracker.PollInterval)
	assert.Equal(t, 8*time.Second, cfg.Tracker.MaxPollInterval)
	assert.Equal(t, 3, cfg.Tracker.MaxNotFound)
	assert.Equal(t, 5, cfg.Tracker.MaxNetworkErrors)
	assert.Equal(t, 2*time.Second, cfg.Tracker.CancelTimeout)
	assert.Equal(t, DefaultExtensions, cfg.Tracker.AllowedExtensions)
	assert.Equal(t, "docintake:uploads", cfg.State.Key)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://ingest.example.com/")
	t.Setenv("ALLOWED_EXTENSIONS", "PDF, .Mp3,,txt")
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("POLL_MAX_INTERVAL", "2s")
	t.Setenv("MAX_FILES", "nope")
	t.Setenv("STATE_BACKEND", "Redis")

	cfg := FromEnv()

	assert.Equal(t, "https://ingest.example.com", cfg.API.BaseURL)
	require.Equal(t, []string{".pdf", ".mp3", ".txt"}, cfg.Tracker.AllowedExtensions)
	assert.Equal(t, 10*time.Second, cfg.Tracker.PollInterval)
	// max interval is never below the base interval
	assert.Equal(t, 10*time.Second, cfg.Tracker.MaxPollInterval)
	assert.Equal(t, 10, cfg.Tracker.MaxFiles)
	assert.Equal(t, "redis", cfg.State.Backend)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		assert.True(t, parseBool(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "maybe"} {
		assert.False(t, parseBool(v), v)
	}
}
