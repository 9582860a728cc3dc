package auditbridge_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumbus/commandbus/internal/auditbridge"
	"github.com/fulcrumbus/commandbus/internal/command"
)

// startEmbeddedNATS starts an embedded NATS server with JetStream for
// testing, adapted from the teacher's nats/client_test.go helper of the
// same name.
func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()

	dir := t.TempDir()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
		NoLog:     true,
		NoSigs:    true,
	}

	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready for connections")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

func testConfig(srv *natsserver.Server) auditbridge.Config {
	cfg := auditbridge.DefaultConfig()
	cfg.URL = srv.ClientURL()
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testMetrics(t *testing.T) *auditbridge.Metrics {
	t.Helper()
	return auditbridge.NewMetrics("test", prometheus.NewRegistry())
}

func TestClient_ConnectAndPublish(t *testing.T) {
	srv := startEmbeddedNATS(t)
	cfg := testConfig(srv)
	client := auditbridge.NewClient(cfg, testLogger(), testMetrics(t))

	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()
	assert.True(t, client.IsConnected())

	err := client.PublishAuditEvent(context.Background(), "orders", command.EventSent, uuid.New(), json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)
}

func TestClient_PublishNotConnected(t *testing.T) {
	cfg := auditbridge.DefaultConfig()
	client := auditbridge.NewClient(cfg, testLogger(), nil)

	err := client.PublishAuditEvent(context.Background(), "orders", command.EventSent, uuid.New(), nil)
	assert.ErrorIs(t, err, auditbridge.ErrNotConnected)
}

func TestClient_ConnectInvalidConfig(t *testing.T) {
	client := auditbridge.NewClient(auditbridge.Config{}, testLogger(), nil)
	err := client.Connect(context.Background())
	assert.Error(t, err)
}

func TestClient_DrainAndClose(t *testing.T) {
	srv := startEmbeddedNATS(t)
	cfg := testConfig(srv)
	client := auditbridge.NewClient(cfg, testLogger(), testMetrics(t))
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Drain(5*time.Second))
	assert.False(t, client.IsConnected())

	// Close after drain is a safe no-op.
	client.Close()
}

func TestClient_HealthCheckNotConnected(t *testing.T) {
	client := auditbridge.NewClient(auditbridge.DefaultConfig(), testLogger(), nil)
	status := client.HealthCheck(context.Background())
	assert.False(t, status.Connected)
	assert.NotEmpty(t, status.Error)
}

func TestClient_HealthCheckConnected(t *testing.T) {
	srv := startEmbeddedNATS(t)
	cfg := testConfig(srv)
	client := auditbridge.NewClient(cfg, testLogger(), testMetrics(t))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	status := client.HealthCheck(context.Background())
	assert.True(t, status.Connected)
	assert.Empty(t, status.Error)
}
