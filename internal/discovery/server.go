package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/model"
)

// Message types served by a discovery server.
const (
	KAnnounce = "discovery_announce"
	KGetPeers = "discovery_get_peers"
	KLock     = "discovery_lock"
	KUnlock   = "discovery_unlock"
	KRemove   = "discovery_remove"
)

type peerListResponse struct {
	Peers []model.PeerId `json:"peers"`
}

type removeRequest struct {
	Peer model.PeerId `json:"peer"`
}

// ServerDiscovery registers peers with a central discovery server that
// itself speaks the hub protocol.
type ServerDiscovery struct {
	server model.PeerId
	hub    *hub.Hub
	logger *zap.Logger
}

// NewServerDiscovery creates a client of the discovery server.
func NewServerDiscovery(server model.PeerId, h *hub.Hub, logger *zap.Logger) *ServerDiscovery {
	return &ServerDiscovery{server: server, hub: h, logger: logger}
}

func (d *ServerDiscovery) roundTrip(msgType string, payload interface{}) (model.Message, error) {
	request, err := model.NewMessage(msgType, d.hub.Self(), payload)
	if err != nil {
		return model.Message{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.hub.Request(ctx, d.server, request)
}

// Announce registers this peer.
func (d *ServerDiscovery) Announce() error {
	response, err := d.roundTrip(KAnnounce, nil)
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

// GetPeers fetches the announced peer list.
func (d *ServerDiscovery) GetPeers() ([]model.PeerId, error) {
	response, err := d.roundTrip(KGetPeers, nil)
	if err != nil {
		return nil, err
	}
	var list peerListResponse
	if err := response.Extract(KGetPeers, &list); err != nil {
		return nil, err
	}
	return list.Peers, nil
}

// Lock acquires the server-side registration lock, retrying while it is
// held by another peer.
func (d *ServerDiscovery) Lock() error {
	for {
		response, err := d.roundTrip(KLock, nil)
		if err != nil {
			return err
		}
		if response.IsOk() {
			return nil
		}
		time.Sleep(lockRetryInterval)
	}
}

// Unlock releases the server-side lock.
func (d *ServerDiscovery) Unlock() error {
	response, err := d.roundTrip(KUnlock, nil)
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

// Remove deregisters a peer.
func (d *ServerDiscovery) Remove(peer model.PeerId) error {
	response, err := d.roundTrip(KRemove, removeRequest{Peer: peer})
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

// Close deregisters this peer.
func (d *ServerDiscovery) Close() error {
	return d.Remove(d.hub.Self())
}

// Server is the state held by a peer acting as the central discovery
// server. Install registers its handlers on the hub.
type Server struct {
	mu        sync.Mutex
	peers     []model.PeerId
	lockOwner model.PeerId
	logger    *zap.Logger
}

// NewServer creates an empty discovery server.
func NewServer(logger *zap.Logger) *Server {
	return &Server{logger: logger}
}

// Install registers the discovery handlers on the hub.
func (s *Server) Install(h *hub.Hub) {
	h.RegisterHandler(KAnnounce, s.handleAnnounce)
	h.RegisterHandler(KGetPeers, s.handleGetPeers)
	h.RegisterHandler(KLock, s.handleLock)
	h.RegisterHandler(KUnlock, s.handleUnlock)
	h.RegisterHandler(KRemove, s.handleRemove)
}

func (s *Server) handleAnnounce(request *model.Message, response *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peer := range s.peers {
		if peer == request.Sender {
			response.Type = model.MessageRedundant
			return
		}
	}
	s.peers = append(s.peers, request.Sender)
	s.logger.Info("Peer announced", zap.String("peer", request.Sender.String()))
	response.Ack()
}

func (s *Server) handleGetPeers(request *model.Message, response *model.Message) {
	s.mu.Lock()
	peers := append([]model.PeerId(nil), s.peers...)
	s.mu.Unlock()
	if err := response.Impose(KGetPeers, peerListResponse{Peers: peers}); err != nil {
		response.Type = model.MessageInvalid
	}
}

func (s *Server) handleLock(request *model.Message, response *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner.IsValid() && s.lockOwner != request.Sender {
		response.Decline()
		return
	}
	s.lockOwner = request.Sender
	response.Ack()
}

func (s *Server) handleUnlock(request *model.Message, response *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner != request.Sender {
		response.Decline()
		return
	}
	s.lockOwner = ""
	response.Ack()
}

func (s *Server) handleRemove(request *model.Message, response *model.Message) {
	var req removeRequest
	if err := request.Extract(KRemove, &req); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.peers[:0]
	for _, peer := range s.peers {
		if peer != req.Peer {
			filtered = append(filtered, peer)
		}
	}
	s.peers = filtered
	response.Ack()
}
