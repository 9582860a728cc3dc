package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, RuntimeAsync, cfg.RuntimeMode)
	require.Equal(t, 3, cfg.Bus.DefaultMaxAttempts)
	require.Equal(t, []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second}, cfg.Bus.BackoffSchedule)
	require.Equal(t, 1000, cfg.Bus.BatchDefaultChunkSize)
	require.Equal(t, 30*time.Second, cfg.Worker.VisibilityTimeout)
	require.Equal(t, 25*time.Second, cfg.Worker.StatementTimeout)
	require.True(t, cfg.Worker.UseNotify)
}

func TestLoad_BackoffScheduleOverride(t *testing.T) {
	t.Setenv("BACKOFF_SCHEDULE", "1s, 2s ,3s")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, cfg.Bus.BackoffSchedule)
}

func TestLoad_StatementTimeoutDerivedFromVisibility(t *testing.T) {
	t.Setenv("WORKER_VISIBILITY_TIMEOUT", "10s")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Worker.StatementTimeout)
}
