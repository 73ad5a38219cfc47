package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/discovery"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
)

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	cfg := config.Default()
	h, err := hub.New(cfg.Hub, "127.0.0.1", 0, clock.New(), metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	h.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

func TestServerDiscovery_RoundTrip(t *testing.T) {
	serverHub := startHub(t)
	discovery.NewServer(zap.NewNop()).Install(serverHub)

	clientHub := startHub(t)
	client := discovery.NewServerDiscovery(serverHub.Self(), clientHub, zap.NewNop())

	require.NoError(t, client.Lock())
	require.NoError(t, client.Announce())
	peers, err := client.GetPeers()
	require.NoError(t, err)
	assert.Equal(t, clientHub.Self(), peers[0])
	require.NoError(t, client.Unlock())

	require.NoError(t, client.Remove(clientHub.Self()))
	peers, err = client.GetPeers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestServerDiscovery_BootstrapConnectsPeers(t *testing.T) {
	serverHub := startHub(t)
	discovery.NewServer(zap.NewNop()).Install(serverHub)

	first := startHub(t)
	firstClient := discovery.NewServerDiscovery(serverHub.Self(), first, zap.NewNop())
	require.NoError(t, discovery.Bootstrap(firstClient, first, zap.NewNop()))
	first.Announce(context.Background())

	second := startHub(t)
	secondClient := discovery.NewServerDiscovery(serverHub.Self(), second, zap.NewNop())
	require.NoError(t, discovery.Bootstrap(secondClient, second, zap.NewNop()))
	second.Announce(context.Background())

	assert.Equal(t, 1, second.PeerSize())
	assert.Equal(t, 1, first.PeerSize())
}
