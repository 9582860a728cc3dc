package auditbridge_test

import (
	"context"
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumbus/commandbus/internal/auditbridge"
)

func TestEnsureStream(t *testing.T) {
	srv := startEmbeddedNATS(t)
	cfg := testConfig(srv)

	conn, err := natsgo.Connect(cfg.URL)
	require.NoError(t, err)
	defer conn.Close()

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	require.NoError(t, auditbridge.EnsureStream(context.Background(), js, cfg, testLogger()))

	stream, err := js.Stream(context.Background(), cfg.Stream)
	require.NoError(t, err)
	info, err := stream.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.Stream, info.Config.Name)
}
