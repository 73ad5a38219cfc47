package raft_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/raft"
)

func startCluster(t *testing.T, size int) []*raft.Cluster {
	t.Helper()
	hubs := make([]*hub.Hub, size)
	cfg := config.Default()

	for i := range hubs {
		h, err := hub.New(cfg.Hub, "127.0.0.1", 0, clock.New(), metrics.NewNop(), zap.NewNop())
		require.NoError(t, err)
		hubs[i] = h
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			h.Shutdown(ctx)
		})
	}

	peerAddresses := make([]string, size)
	for i, h := range hubs {
		peerAddresses[i] = h.Self().String()
	}

	clusters := make([]*raft.Cluster, size)
	for i, h := range hubs {
		raftCfg := cfg.Raft
		raftCfg.Peers = peerAddresses
		cluster, err := raft.NewCluster(raftCfg, h, metrics.NewNop(), zap.NewNop())
		require.NoError(t, err)
		clusters[i] = cluster
		h.Start()
	}
	for _, cluster := range clusters {
		cluster.Start()
		t.Cleanup(cluster.Stop)
	}
	return clusters
}

func leadersAt(clusters []*raft.Cluster) map[uint64][]int {
	leaders := make(map[uint64][]int)
	for i, cluster := range clusters {
		if cluster.State() == raft.Leader {
			leaders[cluster.Term()] = append(leaders[cluster.Term()], i)
		}
	}
	return leaders
}

func TestCluster_ElectsSingleLeader(t *testing.T) {
	clusters := startCluster(t, 3)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leaders := leadersAt(clusters)
		if len(leaders) == 1 {
			for term, indices := range leaders {
				require.Len(t, indices, 1, "at most one leader in term %d", term)
				leader, known := clusters[indices[0]].Leader()
				assert.True(t, known)
				assert.True(t, leader.IsValid())
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no leader elected")
}

func TestCluster_AtMostOneLeaderPerTermWhileRunning(t *testing.T) {
	clusters := startCluster(t, 3)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for term, indices := range leadersAt(clusters) {
			assert.LessOrEqual(t, len(indices), 1,
				"two leaders observed in term %d", term)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCluster_TermsNeverRegress(t *testing.T) {
	clusters := startCluster(t, 3)

	observed := make([]uint64, len(clusters))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for i, cluster := range clusters {
			term := cluster.Term()
			assert.GreaterOrEqual(t, term, observed[i],
				"term of peer %d regressed", i)
			observed[i] = term
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, term := range observed {
		assert.Greater(t, term, uint64(0), "elections must have advanced the term")
	}
}
