// Package peertest stands up in-process Map-API peers for the test
// suite: each peer gets its own clock, hub on an ephemeral port and
// table manager, and fixtures wire the peers' hubs together the way
// discovery would.
package peertest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/nettable"
	"github.com/robomesh/mapapi/internal/table"
)

// Context returns a context bounded to a test-friendly deadline.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Peer is one in-process Map-API peer.
type Peer struct {
	Config  *config.Config
	Clock   *clock.Logical
	Hub     *hub.Hub
	Manager *nettable.Manager
	Metrics *metrics.Metrics
}

// NewPeer starts a peer on an ephemeral port and registers cleanup.
func NewPeer(t *testing.T) *Peer {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 1 // overridden by the ephemeral listener port

	logger := zap.NewNop()
	peerMetrics := metrics.NewNop()
	logicalClock := clock.New()

	peerHub, err := hub.New(cfg.Hub, "127.0.0.1", 0, logicalClock, peerMetrics, logger)
	if err != nil {
		t.Fatalf("start hub: %v", err)
	}
	manager := nettable.NewManager(peerHub, logicalClock, cfg, peerMetrics, logger)
	peerHub.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		peerHub.Shutdown(ctx)
	})

	return &Peer{
		Config:  cfg,
		Clock:   logicalClock,
		Hub:     peerHub,
		Manager: manager,
		Metrics: peerMetrics,
	}
}

// Connect makes every peer aware of every other, as discovery would.
func Connect(peers ...*Peer) {
	for _, a := range peers {
		for _, b := range peers {
			if a != b {
				a.Hub.AddPeer(b.Hub.Self())
			}
		}
	}
}

// AddIntTable declares a table with a single int field on the peer.
func (p *Peer) AddIntTable(t *testing.T, name string, typ table.Type, field string) *nettable.NetTable {
	t.Helper()
	template := model.NewTemplate(name)
	if err := template.AddField(field, model.FieldInt); err != nil {
		t.Fatalf("declare field: %v", err)
	}
	netTable, err := p.Manager.AddTable(typ, template)
	if err != nil {
		t.Fatalf("add table: %v", err)
	}
	return netTable
}

// NewIntRevision builds a revision of a single-int-field table.
func NewIntRevision(t *testing.T, netTable *nettable.NetTable, id model.Id, field string, value int64) *model.Revision {
	t.Helper()
	revision := netTable.Template().NewRevision()
	revision.Id = id
	if err := revision.SetInt(field, value); err != nil {
		t.Fatalf("set field: %v", err)
	}
	return revision
}
