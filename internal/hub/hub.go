// Package hub implements the peer-to-peer transport of a Map-API peer:
// an addressable identity, typed request/response exchange with every
// other peer, and the dispatch of inbound messages to registered
// handlers. The hub also owns the peer's logical clock; every envelope
// in or out merges it.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/util/workerpool"
)

// KDiscovery announces a new peer to the hub.
const KDiscovery = "hub_discovery"

// HandlerFunc processes an inbound request and fills in the response
// envelope. Handlers run on the hub's worker pool; a handler that issues
// nested requests (including back to the sender) holds its worker until
// they return.
type HandlerFunc func(request *model.Message, response *model.Message)

// Hub is the process-wide transport. It is constructed with New,
// started with Start and torn down with Shutdown; tests build and
// destroy one per fixture.
type Hub struct {
	cfg     config.HubConfig
	self    model.PeerId
	clock   *clock.Logical
	logger  *zap.Logger
	metrics *metrics.Metrics

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	peersMu sync.RWMutex
	peers   map[model.PeerId]struct{}

	client   *http.Client
	server   *http.Server
	listener net.Listener
	pool     *workerpool.Pool

	stopOnce sync.Once
}

// New creates a hub bound to the given address. The listener is opened
// immediately so the effective address (relevant with port 0 in tests)
// is known; serving starts with Start.
func New(cfg config.HubConfig, host string, port int, lclock *clock.Logical,
	m *metrics.Metrics, logger *zap.Logger) (*Hub, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("hub listen: %w", err)
	}

	h := &Hub{
		cfg:      cfg,
		self:     model.PeerId(listener.Addr().String()),
		clock:    lclock,
		logger:   logger,
		metrics:  m,
		handlers: make(map[string]HandlerFunc),
		peers:    make(map[model.PeerId]struct{}),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		listener: listener,
		pool:     workerpool.New("hub", cfg.Workers, cfg.QueueSize, logger),
	}

	router := mux.NewRouter()
	router.HandleFunc("/rpc", h.handleRPC).Methods(http.MethodPost)
	h.server = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: 2 * cfg.RequestTimeout,
	}

	h.RegisterHandler(KDiscovery, h.handleDiscovery)
	return h, nil
}

// Start begins serving inbound requests.
func (h *Hub) Start() {
	go func() {
		if err := h.server.Serve(h.listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Hub listener failed", zap.Error(err))
		}
	}()
	h.logger.Info("Hub listening", zap.String("address", h.self.String()))
}

// Shutdown stops serving and disconnects from peers.
func (h *Hub) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() {
		if err := h.server.Shutdown(ctx); err != nil {
			h.logger.Warn("Hub shutdown", zap.Error(err))
		}
		if err := h.pool.Stop(5 * time.Second); err != nil {
			h.logger.Warn("Hub worker pool stop", zap.Error(err))
		}
		h.peersMu.Lock()
		h.peers = make(map[model.PeerId]struct{})
		h.peersMu.Unlock()
		h.logger.Info("Hub terminated", zap.String("address", h.self.String()))
	})
}

// Self returns this peer's identity.
func (h *Hub) Self() model.PeerId {
	return h.self
}

// Clock exposes the peer's logical clock.
func (h *Hub) Clock() *clock.Logical {
	return h.clock
}

// RegisterHandler wires a message type to its handler. Registration is
// explicit at startup; a duplicate registration aborts the peer.
func (h *Hub) RegisterHandler(msgType string, handler HandlerFunc) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	if _, exists := h.handlers[msgType]; exists {
		h.logger.Fatal("Duplicate handler registration", zap.String("type", msgType))
	}
	h.handlers[msgType] = handler
}

// AddPeer records a known peer.
func (h *Hub) AddPeer(peer model.PeerId) {
	if peer == h.self || !peer.IsValid() {
		return
	}
	h.peersMu.Lock()
	h.peers[peer] = struct{}{}
	h.peersMu.Unlock()
}

// RemovePeer forgets a peer.
func (h *Hub) RemovePeer(peer model.PeerId) {
	h.peersMu.Lock()
	delete(h.peers, peer)
	h.peersMu.Unlock()
}

// Peers returns the known peers in sorted order.
func (h *Hub) Peers() []model.PeerId {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	peers := make([]model.PeerId, 0, len(h.peers))
	for peer := range h.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
	return peers
}

// PeerSize returns the number of known peers.
func (h *Hub) PeerSize() int {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	return len(h.peers)
}

// Announce sends the discovery message to every known peer so they
// connect back to this one.
func (h *Hub) Announce(ctx context.Context) {
	msg, _ := model.NewMessage(KDiscovery, h.self, nil)
	for _, peer := range h.Peers() {
		response, err := h.Request(ctx, peer, msg)
		if err != nil || !response.IsOk() {
			h.logger.Warn("Peer did not acknowledge announcement",
				zap.String("peer", peer.String()), zap.Error(err))
		}
	}
}

// Request sends a message and waits for the typed response, retrying
// transport failures with backoff up to the configured limit.
func (h *Hub) Request(ctx context.Context, peer model.PeerId, request model.Message) (model.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.Message{}, mperrors.RequestTimeout(peer.String(), request.Type)
			case <-time.After(h.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
		response, err := h.send(ctx, peer, request)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !mperrors.IsRetryable(err) {
			break
		}
	}
	return model.Message{}, lastErr
}

// TryRequest is Request without retries; transport failure is reported
// as a typed error, not retried.
func (h *Hub) TryRequest(ctx context.Context, peer model.PeerId, request model.Message) (model.Message, error) {
	return h.send(ctx, peer, request)
}

// Broadcast sends a message to every known peer, collecting responses.
// Unreachable peers appear with a CANT_REACH response.
func (h *Hub) Broadcast(ctx context.Context, request model.Message) map[model.PeerId]model.Message {
	responses := make(map[model.PeerId]model.Message)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range h.Peers() {
		wg.Add(1)
		go func(peer model.PeerId) {
			defer wg.Done()
			response, err := h.Request(ctx, peer, request)
			if err != nil {
				response = model.Message{Type: model.MessageCantReach, Sender: peer}
			}
			mu.Lock()
			responses[peer] = response
			mu.Unlock()
		}(peer)
	}
	wg.Wait()
	return responses
}

func (h *Hub) send(ctx context.Context, peer model.PeerId, request model.Message) (model.Message, error) {
	request.Sender = h.self
	request.LogicalTime = uint64(h.clock.Sample())

	body, err := json.Marshal(request)
	if err != nil {
		return model.Message{}, mperrors.InvalidArgument("marshal request", err)
	}

	start := time.Now()
	h.metrics.RequestsSentTotal.WithLabelValues(request.Type).Inc()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/rpc", peer), bytes.NewReader(body))
	if err != nil {
		return model.Message{}, mperrors.InvalidArgument("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		h.metrics.RequestFailuresTotal.WithLabelValues(request.Type).Inc()
		if ctx.Err() != nil {
			return model.Message{}, mperrors.RequestTimeout(peer.String(), request.Type)
		}
		return model.Message{}, mperrors.PeerUnreachable(peer.String(), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		h.metrics.RequestFailuresTotal.WithLabelValues(request.Type).Inc()
		return model.Message{}, mperrors.PeerUnreachable(peer.String(),
			fmt.Errorf("http status %d", httpResp.StatusCode))
	}

	var response model.Message
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		h.metrics.RequestFailuresTotal.WithLabelValues(request.Type).Inc()
		return model.Message{}, mperrors.PeerUnreachable(peer.String(), err)
	}

	h.clock.MergeReceived(model.LogicalTime(response.LogicalTime))
	h.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	return response, nil
}

// handleRPC decodes the envelope, merges the clock and dispatches the
// message on the worker pool, answering with the handler's response.
func (h *Hub) handleRPC(w http.ResponseWriter, r *http.Request) {
	var request model.Message
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	h.clock.MergeReceived(model.LogicalTime(request.LogicalTime))
	h.metrics.RequestsReceivedTotal.WithLabelValues(request.Type).Inc()

	h.handlersMu.RLock()
	handler, ok := h.handlers[request.Type]
	h.handlersMu.RUnlock()
	if !ok {
		// A message type no handler was registered for indicates
		// version skew between peers.
		h.logger.Fatal("No handler for message type",
			zap.String("type", request.Type),
			zap.String("sender", request.Sender.String()))
	}

	done := make(chan model.Message, 1)
	task := workerpool.Task{
		ID: request.Type,
		Fn: func(context.Context) error {
			response := model.Message{Sender: h.self}
			handler(&request, &response)
			done <- response
			return nil
		},
	}
	if err := h.pool.Submit(task); err != nil {
		h.writeResponse(w, model.Message{Type: model.MessageCantReach, Sender: h.self})
		return
	}

	select {
	case response := <-done:
		h.writeResponse(w, response)
	case <-r.Context().Done():
	}
}

func (h *Hub) writeResponse(w http.ResponseWriter, response model.Message) {
	response.Sender = h.self
	response.LogicalTime = uint64(h.clock.Sample())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// handleDiscovery connects back to a peer that announced itself.
func (h *Hub) handleDiscovery(request *model.Message, response *model.Message) {
	h.logger.Info("Peer announced itself", zap.String("peer", request.Sender.String()))
	h.AddPeer(request.Sender)
	response.Ack()
}
