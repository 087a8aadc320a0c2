package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/model"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "care.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, model.SeverityMedium, cfg.Threshold())
	assert.Equal(t, []model.Channel{model.ChannelTelegram, model.ChannelApp}, cfg.Channels())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
db_path: /tmp/care-test.db
emergency:
  threshold: high
  action_window: 90s
alert:
  max_attempts: 3
  channels: [app, log]
scheduler:
  timezone: UTC
`)
	t.Setenv("CARE_HTTP_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/care-test.db", cfg.DBPath)
	assert.Equal(t, model.SeverityHigh, cfg.Threshold())
	assert.Equal(t, 90*time.Second, cfg.Emergency.ActionWindow)
	assert.Equal(t, 3, cfg.Alert.MaxAttempts)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	// untouched defaults survive
	assert.Equal(t, 2.0, cfg.Alert.Multiplier)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad threshold", "emergency:\n  threshold: critical\n"},
		{"bad channel", "alert:\n  channels: [pager]\n"},
		{"zero attempts", "alert:\n  max_attempts: 0\n"},
		{"max below base", "alert:\n  base_backoff: 10s\n  max_backoff: 1s\n"},
		{"bad timezone", "scheduler:\n  timezone: Mars/Olympus\n"},
		{"http without endpoint", "classifier:\n  provider: http\n"},
		{"openai without key", "classifier:\n  provider: openai\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "emergency:\n  threshold: medium\nscheduler:\n  timezone: UTC\n")
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, zap.NewNop())
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to start reading events.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("emergency:\n  threshold: high\nscheduler:\n  timezone: UTC\n"), 0o644))

	select {
	case c := <-changed:
		assert.Equal(t, model.SeverityHigh, c.Threshold())
		assert.Equal(t, model.SeverityHigh, w.Current().Threshold())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
