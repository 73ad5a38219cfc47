package discovery

import (
	"fmt"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/model"
)

// GossipDiscovery discovers peers through a memberlist gossip cluster.
// Each member's metadata carries its hub address; membership changes
// propagate without a shared file or central server, so Lock/Unlock are
// local no-ops.
type GossipDiscovery struct {
	cfg        config.GossipConfig
	self       model.PeerId
	memberlist *memberlist.Memberlist
	logger     *zap.Logger
}

// NewGossipDiscovery creates and joins the gossip cluster.
func NewGossipDiscovery(cfg config.GossipConfig, self model.PeerId, logger *zap.Logger) (*GossipDiscovery, error) {
	gd := &GossipDiscovery{cfg: cfg, self: self, logger: logger}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = self.String()
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gd
	mlConfig.Events = &gossipEventDelegate{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gd.memberlist = ml
	return gd, nil
}

// Announce joins the configured seed nodes.
func (d *GossipDiscovery) Announce() error {
	if len(d.cfg.SeedNodes) == 0 {
		return nil
	}
	if _, err := d.memberlist.Join(d.cfg.SeedNodes); err != nil {
		d.logger.Warn("Failed to join some seed nodes", zap.Error(err))
	}
	return nil
}

// GetPeers lists the hub addresses of all live members.
func (d *GossipDiscovery) GetPeers() ([]model.PeerId, error) {
	members := d.memberlist.Members()
	peers := make([]model.PeerId, 0, len(members))
	for _, member := range members {
		peer, err := model.ParsePeerId(string(member.Meta))
		if err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Lock is a no-op: gossip membership needs no registration lock.
func (d *GossipDiscovery) Lock() error { return nil }

// Unlock is a no-op.
func (d *GossipDiscovery) Unlock() error { return nil }

// Remove is handled by memberlist failure detection.
func (d *GossipDiscovery) Remove(model.PeerId) error { return nil }

// Close leaves the gossip cluster.
func (d *GossipDiscovery) Close() error {
	return d.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate; the metadata is the hub
// address of this peer.
func (d *GossipDiscovery) NodeMeta(limit int) []byte {
	meta := []byte(d.self.String())
	if len(meta) > limit {
		return meta[:limit]
	}
	return meta
}

// NotifyMsg implements memberlist.Delegate.
func (d *GossipDiscovery) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (d *GossipDiscovery) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (d *GossipDiscovery) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (d *GossipDiscovery) MergeRemoteState(buf []byte, join bool) {}

// gossipEventDelegate logs membership events.
type gossipEventDelegate struct {
	logger *zap.Logger
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.logger.Info("Node joined", zap.String("node", node.Name))
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.logger.Info("Node left", zap.String("node", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.logger.Debug("Node updated", zap.String("node", node.Name))
}
