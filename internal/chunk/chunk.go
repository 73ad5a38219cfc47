// Package chunk implements the replicated unit of Map-API: a subset of
// one table mirrored by a set of holders. Every holder stores the
// latest committed revision of every id in the chunk and forwards
// committed changes to every other holder before releasing the write
// lock; peer set changes are serialized by the same distributed lock as
// data changes.
package chunk

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/table"
	"github.com/robomesh/mapapi/internal/util"
)

// Trigger is invoked with the id of every revision committed to the
// chunk by a remote holder.
type Trigger func(id model.Id)

// Chunk is one peer's replica of a chunk. The peer set, lock FSM and
// underlying data are guarded by one exclusion primitive; the store
// distinguishes readers and writers internally.
type Chunk struct {
	id        model.Id
	tableName string
	store     *table.Table
	hub       *hub.Hub
	clk       *clock.Logical
	cfg       config.ChunkConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	peers     map[model.PeerId]struct{}
	state     LockState
	readers   int
	candidate model.PeerId
	requestId string
	seen      map[string]bool

	triggersMu sync.RWMutex
	triggers   []Trigger
}

// New creates a fresh chunk held only by this peer.
func New(id model.Id, store *table.Table, h *hub.Hub, clk *clock.Logical,
	cfg config.ChunkConfig, m *metrics.Metrics, logger *zap.Logger) *Chunk {
	c := &Chunk{
		id:        id,
		tableName: store.Name(),
		store:     store,
		hub:       h,
		clk:       clk,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		peers:     make(map[model.PeerId]struct{}),
		seen:      make(map[string]bool),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NewFromInit creates a chunk replica from a state transfer. The
// snapshot is verified against its checksum and installed before the
// chunk serves any request.
func NewFromInit(request *InitRequest, sender model.PeerId, store *table.Table,
	h *hub.Hub, clk *clock.Logical, cfg config.ChunkConfig,
	m *metrics.Metrics, logger *zap.Logger) (*Chunk, error) {
	serialized, err := json.Marshal(request.Revisions)
	if err != nil {
		return nil, mperrors.InvalidArgument("serialize init revisions", err)
	}
	if !util.ValidateChecksum(serialized, request.Checksum) {
		return nil, mperrors.InvalidArgument("chunk state transfer checksum mismatch", nil)
	}

	c := New(request.ChunkId, store, h, clk, cfg, m, logger)
	for _, peer := range request.Peers {
		if peer != h.Self() {
			c.peers[peer] = struct{}{}
		}
	}
	c.peers[sender] = struct{}{}
	m.ChunkPeersTotal.Add(float64(len(c.peers)))
	for _, revision := range request.Revisions {
		store.InstallCommitted(revision)
	}
	logger.Info("Installed chunk from state transfer",
		zap.String("chunk", c.id.Hex()),
		zap.String("table", c.tableName),
		zap.Int("revisions", len(request.Revisions)),
		zap.Int("peers", len(c.peers)))
	return c, nil
}

// Id returns the chunk identifier.
func (c *Chunk) Id() model.Id { return c.id }

// TableName returns the name of the table this chunk belongs to.
func (c *Chunk) TableName() string { return c.tableName }

// Store exposes the underlying local store.
func (c *Chunk) Store() *table.Table { return c.store }

// PeerSize returns the number of other holders.
func (c *Chunk) PeerSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// Peers returns the other holders of this chunk.
func (c *Chunk) Peers() []model.PeerId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peersLocked()
}

func (c *Chunk) peersLocked() []model.PeerId {
	peers := make([]model.PeerId, 0, len(c.peers))
	for peer := range c.peers {
		peers = append(peers, peer)
	}
	return peers
}

// AttachTrigger registers a callback fired on remotely committed
// revisions.
func (c *Chunk) AttachTrigger(trigger Trigger) {
	c.triggersMu.Lock()
	defer c.triggersMu.Unlock()
	c.triggers = append(c.triggers, trigger)
}

func (c *Chunk) fireTriggers(id model.Id) {
	c.triggersMu.RLock()
	triggers := append([]Trigger(nil), c.triggers...)
	c.triggersMu.RUnlock()
	for _, trigger := range triggers {
		trigger(id)
	}
}

// Insert writes one revision under a fresh write lock and propagates it
// to all holders before release.
func (c *Chunk) Insert(ctx context.Context, revision *model.Revision) error {
	if err := c.WriteLock(ctx); err != nil {
		return err
	}
	defer c.Unlock(ctx)
	return c.InsertLocked(ctx, revision, c.clk.Sample())
}

// InsertLocked writes one revision at the given commit time. The caller
// holds the distributed write lock.
func (c *Chunk) InsertLocked(ctx context.Context, revision *model.Revision, time model.LogicalTime) error {
	revision.ChunkId = c.id
	if err := c.store.Insert(revision, time); err != nil {
		return err
	}
	return c.propagate(ctx, KInsertRequest, c.store.GetById(revision.Id, time))
}

// BulkInsertLocked writes a batch of revisions at one commit time under
// the held write lock.
func (c *Chunk) BulkInsertLocked(ctx context.Context, revisions map[model.Id]*model.Revision, time model.LogicalTime) error {
	for _, revision := range revisions {
		revision.ChunkId = c.id
	}
	if err := c.store.BulkInsert(revisions, time); err != nil {
		return err
	}
	for id := range revisions {
		if err := c.propagate(ctx, KInsertRequest, c.store.GetById(id, time)); err != nil {
			return err
		}
	}
	return nil
}

// Update appends a new revision of an existing id under a fresh write
// lock. The chunk's table must be update-capable.
func (c *Chunk) Update(ctx context.Context, revision *model.Revision) error {
	if err := c.WriteLock(ctx); err != nil {
		return err
	}
	defer c.Unlock(ctx)
	return c.UpdateLocked(ctx, revision, c.clk.Sample())
}

// UpdateLocked appends a new revision at the given commit time under
// the held write lock.
func (c *Chunk) UpdateLocked(ctx context.Context, revision *model.Revision, time model.LogicalTime) error {
	revision.ChunkId = c.id
	if err := c.store.Update(revision, time); err != nil {
		return err
	}
	return c.propagate(ctx, KUpdateRequest, c.store.GetById(revision.Id, time))
}

// propagate multicasts one committed revision to every holder.
func (c *Chunk) propagate(ctx context.Context, msgType string, revision *model.Revision) error {
	request := WriteRequest{
		Metadata: Metadata{Table: c.tableName, ChunkId: c.id},
		Revision: revision,
	}
	msg, err := model.NewMessage(msgType, c.hub.Self(), request)
	if err != nil {
		return err
	}
	for _, peer := range c.Peers() {
		response, err := c.hub.Request(ctx, peer, msg)
		if err != nil {
			return mperrors.PeerUnreachable(peer.String(), err)
		}
		if !response.IsOk() {
			return mperrors.UnexpectedMessage(response.Type)
		}
		c.metrics.ReplicatedWritesTotal.Inc()
	}
	return nil
}

// Dump returns the chunk's items at the given time.
func (c *Chunk) Dump(time model.LogicalTime) map[model.Id]*model.Revision {
	result := make(map[model.Id]*model.Revision)
	for id, revision := range c.store.Dump(time) {
		if revision.ChunkId == c.id {
			result[id] = revision
		}
	}
	return result
}

// GetById reads one item under a read lock.
func (c *Chunk) GetById(id model.Id, time model.LogicalTime) *model.Revision {
	c.ReadLock()
	defer c.ReadUnlock()
	revision := c.store.GetById(id, time)
	if revision == nil || revision.ChunkId != c.id {
		return nil
	}
	return revision
}

// Count returns the number of items in the chunk at time.
func (c *Chunk) Count(time model.LogicalTime) int {
	return len(c.Dump(time))
}

// RequestParticipation asks every hub peer that is not yet a holder to
// join this chunk, returning how many accepted.
func (c *Chunk) RequestParticipation(ctx context.Context) int {
	request := ParticipationRequest{
		Metadata: Metadata{Table: c.tableName, ChunkId: c.id},
	}
	msg, err := model.NewMessage(KParticipationRequest, c.hub.Self(), request)
	if err != nil {
		return 0
	}
	accepted := 0
	for _, peer := range c.hub.Peers() {
		c.mu.Lock()
		_, holder := c.peers[peer]
		c.mu.Unlock()
		if holder {
			continue
		}
		response, err := c.hub.Request(ctx, peer, msg)
		if err != nil {
			c.logger.Warn("Participation request failed",
				zap.String("chunk", c.id.Hex()),
				zap.String("peer", peer.String()),
				zap.Error(err))
			continue
		}
		if response.IsOk() {
			accepted++
		}
	}
	return accepted
}

// HandleConnectRequest serves a join: under the write lock the newcomer
// is added to the peer set, announced to the other holders and sent the
// full chunk state; it has installed the state before this returns.
func (c *Chunk) HandleConnectRequest(ctx context.Context, newcomer model.PeerId, response *model.Message) {
	if err := c.WriteLock(ctx); err != nil {
		c.logger.Warn("Connect request could not lock chunk",
			zap.String("chunk", c.id.Hex()), zap.Error(err))
		response.Decline()
		return
	}
	defer c.Unlock(ctx)

	c.mu.Lock()
	if _, already := c.peers[newcomer]; already {
		c.mu.Unlock()
		response.Type = model.MessageRedundant
		return
	}
	peers := c.peersLocked()
	c.mu.Unlock()

	// announce the newcomer to the other holders
	announce := NewPeerRequest{
		Metadata: Metadata{Table: c.tableName, ChunkId: c.id},
		NewPeer:  newcomer,
	}
	announceMsg, err := model.NewMessage(KNewPeerRequest, c.hub.Self(), announce)
	if err != nil {
		response.Decline()
		return
	}
	for _, peer := range peers {
		if _, err := c.hub.Request(ctx, peer, announceMsg); err != nil {
			c.logger.Warn("Holder unreachable during new peer announcement",
				zap.String("chunk", c.id.Hex()),
				zap.String("peer", peer.String()),
				zap.Error(err))
		}
	}

	// transfer state; the newcomer acks once installed
	if err := c.sendInit(ctx, newcomer, append(peers, c.hub.Self())); err != nil {
		c.logger.Warn("Chunk state transfer failed",
			zap.String("chunk", c.id.Hex()),
			zap.String("peer", newcomer.String()),
			zap.Error(err))
		response.Decline()
		return
	}

	c.mu.Lock()
	c.peers[newcomer] = struct{}{}
	c.mu.Unlock()
	c.metrics.ChunkPeersTotal.Inc()
	c.metrics.StateTransfersTotal.Inc()
	response.Ack()
}

func (c *Chunk) sendInit(ctx context.Context, newcomer model.PeerId, peers []model.PeerId) error {
	revisions := c.allRevisions()
	serialized, err := json.Marshal(revisions)
	if err != nil {
		return err
	}
	request := InitRequest{
		Metadata:  Metadata{Table: c.tableName, ChunkId: c.id},
		Peers:     peers,
		Revisions: revisions,
		Checksum:  util.ComputeChecksum(serialized),
	}
	msg, err := model.NewMessage(KInitRequest, c.hub.Self(), request)
	if err != nil {
		return err
	}
	response, err := c.hub.Request(ctx, newcomer, msg)
	if err != nil {
		return err
	}
	if !response.IsOk() {
		return mperrors.UnexpectedMessage(response.Type)
	}
	return nil
}

// allRevisions collects the chunk's complete revision history for a
// state transfer.
func (c *Chunk) allRevisions() []*model.Revision {
	var revisions []*model.Revision
	for id, latest := range c.store.Dump(c.clk.Current()) {
		if latest.ChunkId != c.id {
			continue
		}
		revisions = append(revisions, c.store.History(id)...)
	}
	return revisions
}

// HandleInsertRequest installs a revision committed by the lock owner.
func (c *Chunk) HandleInsertRequest(request *WriteRequest, response *model.Message) {
	c.store.InstallCommitted(request.Revision)
	c.fireTriggers(request.Revision.Id)
	response.Ack()
}

// HandleUpdateRequest installs an updated revision committed by the
// lock owner.
func (c *Chunk) HandleUpdateRequest(request *WriteRequest, response *model.Message) {
	c.store.InstallCommitted(request.Revision)
	c.fireTriggers(request.Revision.Id)
	response.Ack()
}

// HandleNewPeerRequest adds a newly joined holder to the peer set.
func (c *Chunk) HandleNewPeerRequest(request *NewPeerRequest, response *model.Message) {
	c.mu.Lock()
	_, known := c.peers[request.NewPeer]
	c.peers[request.NewPeer] = struct{}{}
	c.mu.Unlock()
	if !known {
		c.metrics.ChunkPeersTotal.Inc()
	}
	response.Ack()
}

// HandleLeaveRequest removes a departing holder; a lock it held is
// released.
func (c *Chunk) HandleLeaveRequest(leaver model.PeerId, response *model.Message) {
	c.mu.Lock()
	_, known := c.peers[leaver]
	delete(c.peers, leaver)
	if c.candidate == leaver {
		c.state = Unlocked
		c.candidate = ""
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	if known {
		c.metrics.ChunkPeersTotal.Dec()
	}
	response.Ack()
}

// Leave relinquishes this replica: holders are informed under the write
// lock so no unacknowledged write can be lost.
func (c *Chunk) Leave(ctx context.Context) error {
	if err := c.WriteLock(ctx); err != nil {
		return err
	}

	request := LeaveRequest{Metadata: Metadata{Table: c.tableName, ChunkId: c.id}}
	msg, err := model.NewMessage(KLeaveRequest, c.hub.Self(), request)
	if err == nil {
		for _, peer := range c.Peers() {
			if _, err := c.hub.Request(ctx, peer, msg); err != nil {
				c.logger.Warn("Holder unreachable during leave",
					zap.String("chunk", c.id.Hex()),
					zap.String("peer", peer.String()),
					zap.Error(err))
			}
		}
	}

	c.mu.Lock()
	departed := len(c.peers)
	c.peers = make(map[model.PeerId]struct{})
	c.state = Unlocked
	c.candidate = ""
	c.cond.Broadcast()
	c.mu.Unlock()
	c.metrics.ChunkPeersTotal.Sub(float64(departed))
	return nil
}
