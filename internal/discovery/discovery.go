// Package discovery implements the peer-discovery bootstrap. A backend
// tells a starting peer which peers are already on the network and
// serializes concurrent registrations with a lock so two starting peers
// cannot miss each other.
package discovery

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/model"
)

// Discovery regulates how peers find each other at startup.
type Discovery interface {
	// Announce registers this peer with the backend.
	Announce() error
	// GetPeers returns all currently announced peers, including self.
	GetPeers() ([]model.PeerId, error)
	// Lock serializes announce/remove across starting peers.
	Lock() error
	// Unlock releases the discovery lock.
	Unlock() error
	// Remove deregisters a peer.
	Remove(peer model.PeerId) error
	// Close releases backend resources.
	Close() error
}

// New selects a backend from the configuration.
func New(cfg config.DiscoveryConfig, h *hub.Hub, logger *zap.Logger) (Discovery, error) {
	switch cfg.Backend {
	case "file":
		return NewFileDiscovery(cfg.FilePath, h.Self(), logger), nil
	case "server":
		server, err := model.ParsePeerId(cfg.ServerAddress)
		if err != nil {
			return nil, err
		}
		return NewServerDiscovery(server, h, logger), nil
	case "gossip":
		return NewGossipDiscovery(cfg.Gossip, h.Self(), logger)
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", cfg.Backend)
	}
}

// Bootstrap runs the standard join sequence: lock the backend, add every
// announced peer to the hub, announce self to the backend, unlock. It
// sends no message to the peers it found.
func Bootstrap(d Discovery, h *hub.Hub, logger *zap.Logger) error {
	if err := d.Lock(); err != nil {
		return fmt.Errorf("discovery lock: %w", err)
	}
	defer func() {
		if err := d.Unlock(); err != nil {
			logger.Warn("Discovery unlock failed", zap.Error(err))
		}
	}()

	peers, err := d.GetPeers()
	if err != nil {
		return fmt.Errorf("discovery get peers: %w", err)
	}
	for _, peer := range peers {
		if peer == h.Self() {
			logger.Info("Found own registration from a previous run, skipping")
			continue
		}
		logger.Info("Found peer", zap.String("peer", peer.String()))
		h.AddPeer(peer)
	}
	if err := d.Announce(); err != nil {
		return fmt.Errorf("discovery announce: %w", err)
	}
	return nil
}
