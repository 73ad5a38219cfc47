// Package raft implements leader election and term bookkeeping over a
// fixed peer set. Log replication is future work; the cluster exists to
// anchor strongly-consistent metadata later. At most one leader may
// exist per term; any heartbeat carrying a higher term forces the
// receiver back to follower.
package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
)

// Message types of the raft protocol.
const (
	KHeartbeat    = "raft_heartbeat"
	KVoteRequest  = "raft_vote_request"
	KVoteResponse = "raft_vote_response"
)

type heartbeatRequest struct {
	Term uint64 `json:"term"`
}

type voteRequest struct {
	Term uint64 `json:"term"`
}

type voteResponse struct {
	Vote bool `json:"vote"`
}

// State is the raft role of a peer.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "unknown"
}

// Cluster runs the election protocol among the configured peers.
type Cluster struct {
	hub     *hub.Hub
	cfg     config.RaftConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	peers   []model.PeerId

	mu            sync.Mutex
	state         State
	currentTerm   uint64
	leader        model.PeerId
	leaderKnown   bool
	lastHeartbeat time.Time

	rng      *rand.Rand
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCluster creates the cluster state and registers its handlers on
// the hub. Start launches the background task.
func NewCluster(cfg config.RaftConfig, h *hub.Hub, m *metrics.Metrics, logger *zap.Logger) (*Cluster, error) {
	c := &Cluster{
		hub:           h,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
		state:         Follower,
		lastHeartbeat: time.Now(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:        make(chan struct{}),
	}
	for _, addr := range cfg.Peers {
		peer, err := model.ParsePeerId(addr)
		if err != nil {
			return nil, err
		}
		if peer != h.Self() {
			c.peers = append(c.peers, peer)
		}
	}
	h.RegisterHandler(KHeartbeat, c.handleHeartbeat)
	h.RegisterHandler(KVoteRequest, c.handleVoteRequest)
	return c, nil
}

// Start launches the heartbeat background task.
func (c *Cluster) Start() {
	c.wg.Add(1)
	go c.heartbeatLoop()
}

// Stop terminates the background task.
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Term returns the current term.
func (c *Cluster) Term() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTerm
}

// State returns the current role.
func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Leader returns the currently known leader.
func (c *Cluster) Leader() (model.PeerId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader, c.leaderKnown
}

func (c *Cluster) electionTimeout() time.Duration {
	spread := c.cfg.ElectionTimeoutMax - c.cfg.ElectionTimeoutMin
	return c.cfg.ElectionTimeoutMin + time.Duration(c.rng.Int63n(int64(spread)))
}

func (c *Cluster) handleHeartbeat(request *model.Message, response *model.Message) {
	var heartbeat heartbeatRequest
	if err := request.Extract(KHeartbeat, &heartbeat); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	sender := request.Sender

	c.mu.Lock()
	switch {
	case heartbeat.Term > c.currentTerm ||
		(heartbeat.Term == c.currentTerm && !c.leaderKnown):
		// a leader with a newer term, or the first leader of this term
		if c.state == Leader {
			c.logger.Info("Deposed by higher-term leader",
				zap.Uint64("term", heartbeat.Term),
				zap.String("leader", sender.String()))
			c.metrics.RaftLeaderState.Set(0)
		}
		c.currentTerm = heartbeat.Term
		c.leader = sender
		c.leaderKnown = true
		c.state = Follower
		c.lastHeartbeat = time.Now()
		c.metrics.RaftTerm.Set(float64(c.currentTerm))
	case c.state == Follower && heartbeat.Term == c.currentTerm &&
		c.leaderKnown && sender != c.leader && c.currentTerm > 0:
		term := c.currentTerm
		leader := c.leader
		c.mu.Unlock()
		c.logger.Fatal("Two leaders observed in one term",
			zap.Uint64("term", term),
			zap.String("current", leader.String()),
			zap.String("new", sender.String()))
		return
	case heartbeat.Term == c.currentTerm:
		c.lastHeartbeat = time.Now()
	default:
		// stale leader with an older term; ignore
	}
	c.mu.Unlock()
	response.Ack()
}

func (c *Cluster) handleVoteRequest(request *model.Message, response *model.Message) {
	var vote voteRequest
	if err := request.Extract(KVoteRequest, &vote); err != nil {
		response.Type = model.MessageInvalid
		return
	}

	c.mu.Lock()
	granted := vote.Term > c.currentTerm
	if granted {
		c.currentTerm = vote.Term
		c.leaderKnown = false
		if c.state == Leader {
			c.metrics.RaftLeaderState.Set(0)
		}
		c.state = Follower
		c.lastHeartbeat = time.Now()
		c.metrics.RaftTerm.Set(float64(c.currentTerm))
		c.logger.Info("Voting",
			zap.String("candidate", request.Sender.String()),
			zap.Uint64("term", vote.Term))
	}
	c.mu.Unlock()

	if err := response.Impose(KVoteResponse, voteResponse{Vote: granted}); err != nil {
		response.Type = model.MessageInvalid
	}
}

func (c *Cluster) heartbeatLoop() {
	defer c.wg.Done()
	timeout := c.electionTimeout()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		state := c.state
		term := c.currentTerm
		lastHeartbeat := c.lastHeartbeat
		c.mu.Unlock()

		switch state {
		case Follower, Candidate:
			if time.Since(lastHeartbeat) >= timeout {
				c.conductElection()
				timeout = c.electionTimeout()
				continue
			}
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.HeartbeatInterval / 5):
			}
		case Leader:
			c.leadTerm(term)
		}
	}
}

// conductElection runs one candidacy: term increment, parallel vote
// solicitation, majority decision.
func (c *Cluster) conductElection() {
	c.mu.Lock()
	c.state = Candidate
	c.currentTerm++
	term := c.currentTerm
	c.leaderKnown = false
	c.mu.Unlock()
	c.metrics.RaftElections.Inc()
	c.metrics.RaftTerm.Set(float64(term))

	c.logger.Info("Starting election", zap.Uint64("term", term))

	votes := make(chan bool, len(c.peers))
	for _, peer := range c.peers {
		go func(peer model.PeerId) {
			votes <- c.solicitVote(peer, term)
		}(peer)
	}
	granted := 0
	for range c.peers {
		if <-votes {
			granted++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// own vote plus grants must exceed half of the cluster
	if c.state == Candidate && granted+1 > (len(c.peers)+1)/2 {
		c.state = Leader
		c.leader = c.hub.Self()
		c.leaderKnown = true
		c.metrics.RaftLeaderState.Set(1)
		c.logger.Info("Elected leader", zap.Uint64("term", term))
	} else {
		c.state = Follower
		c.leaderKnown = false
		c.lastHeartbeat = time.Now()
	}
}

func (c *Cluster) solicitVote(peer model.PeerId, term uint64) bool {
	msg, err := model.NewMessage(KVoteRequest, c.hub.Self(), voteRequest{Term: term})
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval*4)
	defer cancel()
	response, err := c.hub.TryRequest(ctx, peer, msg)
	if err != nil {
		return false
	}
	var vote voteResponse
	if err := response.Extract(KVoteResponse, &vote); err != nil {
		return false
	}
	return vote.Vote
}

// leadTerm sends heartbeats to all peers until deposed or stopped.
func (c *Cluster) leadTerm(term uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	c.broadcastHeartbeat(term)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		deposed := c.state != Leader || c.currentTerm != term
		c.mu.Unlock()
		if deposed {
			return
		}
		c.broadcastHeartbeat(term)
	}
}

func (c *Cluster) broadcastHeartbeat(term uint64) {
	msg, err := model.NewMessage(KHeartbeat, c.hub.Self(), heartbeatRequest{Term: term})
	if err != nil {
		return
	}
	var wg sync.WaitGroup
	for _, peer := range c.peers {
		wg.Add(1)
		go func(peer model.PeerId) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatInterval*2)
			defer cancel()
			if _, err := c.hub.TryRequest(ctx, peer, msg); err != nil {
				c.logger.Debug("Heartbeat failed",
					zap.String("peer", peer.String()))
			}
		}(peer)
	}
	wg.Wait()
}
