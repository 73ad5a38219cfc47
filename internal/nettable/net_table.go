// Package nettable ties a local table to its distributed machinery: the
// chunks replicating its rows, the chord index locating chunk holders
// and the optional spatial overlay. The table manager owns all net
// tables of a peer and routes inbound chunk and chord requests.
package nettable

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/chord"
	"github.com/robomesh/mapapi/internal/chunk"
	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/spatial"
	"github.com/robomesh/mapapi/internal/table"
)

const connectPollInterval = time.Millisecond

// NetTable is one table shared across the network.
type NetTable struct {
	store   *table.Table
	hub     *hub.Hub
	clk     *clock.Logical
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	index   *Index
	spatial *spatial.Index

	chunksLock sync.RWMutex
	chunks     map[model.Id]*chunk.Chunk
}

func newNetTable(typ table.Type, template *model.Template, h *hub.Hub,
	clk *clock.Logical, cfg *config.Config, m *metrics.Metrics,
	logger *zap.Logger) *NetTable {
	return &NetTable{
		store:   table.New(typ, template, cfg.Table.Linked),
		hub:     h,
		clk:     clk,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		chunks:  make(map[model.Id]*chunk.Chunk),
	}
}

// Name returns the table name.
func (t *NetTable) Name() string { return t.store.Name() }

// Type returns the table kind.
func (t *NetTable) Type() table.Type { return t.store.Type() }

// Template returns the field layout.
func (t *NetTable) Template() *model.Template { return t.store.Template() }

// Store exposes the local cache of the table.
func (t *NetTable) Store() *table.Table { return t.store }

// Index returns the table's chunk index, nil before CreateIndex or
// JoinIndex.
func (t *NetTable) Index() *Index { return t.index }

// SpatialIndex returns the spatial overlay, nil unless created.
func (t *NetTable) SpatialIndex() *spatial.Index { return t.spatial }

// CreateIndex initializes this peer as the first participant of the
// table's chord ring.
func (t *NetTable) CreateIndex() {
	if t.index != nil {
		t.logger.Fatal("Index already initialized", zap.String("table", t.Name()))
	}
	t.index = NewIndex(t.Name(), chord.NewRing(t.cfg.Chord.FingerBits), t.hub, t.metrics, t.logger)
	t.index.Create()
}

// JoinIndex joins the table's chord ring through an entry point.
func (t *NetTable) JoinIndex(ctx context.Context, entryPoint model.PeerId) error {
	if t.index != nil {
		t.logger.Fatal("Index already initialized", zap.String("table", t.Name()))
	}
	t.index = NewIndex(t.Name(), chord.NewRing(t.cfg.Chord.FingerBits), t.hub, t.metrics, t.logger)
	return t.index.Join(ctx, entryPoint)
}

// CreateSpatialIndex initializes the spatial overlay. All participants
// must use identical bounds and subdivision.
func (t *NetTable) CreateSpatialIndex(bounds spatial.BoundingBox, subdiv []int) error {
	if t.index == nil {
		return mperrors.InvalidArgument("spatial index requires the chunk index", nil)
	}
	overlay, err := spatial.NewIndex(t.Name(), bounds, subdiv, t.index.Chord(), t.hub, t.logger)
	if err != nil {
		return err
	}
	t.spatial = overlay
	return nil
}

// RegisterChunkInSpace adds a chunk to every spatial cell its bounding
// box touches.
func (t *NetTable) RegisterChunkInSpace(ctx context.Context, chunkId model.Id, box spatial.BoundingBox) error {
	if t.spatial == nil {
		return mperrors.InvalidArgument("no spatial index", nil)
	}
	return t.spatial.RegisterChunk(ctx, chunkId, box)
}

// GetChunksInBoundingBox returns the chunk ids registered in cells
// touched by box.
func (t *NetTable) GetChunksInBoundingBox(ctx context.Context, box spatial.BoundingBox) ([]model.Id, error) {
	if t.spatial == nil {
		return nil, mperrors.InvalidArgument("no spatial index", nil)
	}
	return t.spatial.GetChunksInBoundingBox(ctx, box)
}

// ListenToSpace subscribes this peer to chunks registered in box.
func (t *NetTable) ListenToSpace(ctx context.Context, box spatial.BoundingBox) error {
	if t.spatial == nil {
		return mperrors.InvalidArgument("no spatial index", nil)
	}
	return t.spatial.ListenToSpace(ctx, box)
}

// NewChunk creates a chunk with a random id, held by this peer.
func (t *NetTable) NewChunk(ctx context.Context) (*chunk.Chunk, error) {
	return t.NewChunkWithId(ctx, model.GenerateId())
}

// NewChunkWithId creates a chunk with the given id and announces the
// possession in the index.
func (t *NetTable) NewChunkWithId(ctx context.Context, chunkId model.Id) (*chunk.Chunk, error) {
	c := chunk.New(chunkId, t.store, t.hub, t.clk, t.cfg.Chunk, t.metrics, t.logger)
	t.chunksLock.Lock()
	if _, exists := t.chunks[chunkId]; exists {
		t.chunksLock.Unlock()
		return nil, mperrors.InvalidArgument("chunk id already active", nil)
	}
	t.chunks[chunkId] = c
	t.chunksLock.Unlock()
	t.metrics.ChunksHeld.Inc()

	if t.index == nil {
		t.logger.Fatal("Chunk created before index initialization",
			zap.String("table", t.Name()))
	}
	if err := t.index.AnnouncePossession(ctx, chunkId, t.hub.Self()); err != nil {
		return nil, err
	}
	return c, nil
}

// GetChunk returns the local replica of a chunk, connecting to a holder
// found through the index if this peer does not hold it yet.
func (t *NetTable) GetChunk(ctx context.Context, chunkId model.Id) (*chunk.Chunk, error) {
	t.chunksLock.RLock()
	c, found := t.chunks[chunkId]
	t.chunksLock.RUnlock()
	if found {
		return c, nil
	}

	if t.index == nil {
		return nil, mperrors.ChunkNotHeld(chunkId.Hex())
	}
	holders, err := t.index.SeekPeers(ctx, chunkId)
	if err != nil {
		return nil, err
	}
	for _, holder := range holders {
		if holder == t.hub.Self() {
			continue
		}
		if c, err = t.ConnectTo(ctx, chunkId, holder); err == nil {
			return c, nil
		}
		t.logger.Warn("Connect to holder failed",
			zap.String("chunk", chunkId.Hex()),
			zap.String("holder", holder.String()),
			zap.Error(err))
	}
	return nil, mperrors.ChunkNotHeld(chunkId.Hex())
}

// Has reports whether this peer holds the chunk.
func (t *NetTable) Has(chunkId model.Id) bool {
	t.chunksLock.RLock()
	defer t.chunksLock.RUnlock()
	_, found := t.chunks[chunkId]
	return found
}

// ConnectTo joins the chunk through the given holder. The holder pushes
// the chunk state in a separate request handled concurrently; ConnectTo
// returns once the replica is installed.
func (t *NetTable) ConnectTo(ctx context.Context, chunkId model.Id, holder model.PeerId) (*chunk.Chunk, error) {
	request := chunk.ConnectRequest{
		Metadata: chunk.Metadata{Table: t.Name(), ChunkId: chunkId},
	}
	msg, err := model.NewMessage(chunk.KConnectRequest, t.hub.Self(), request)
	if err != nil {
		return nil, err
	}
	response, err := t.hub.Request(ctx, holder, msg)
	if err != nil {
		return nil, err
	}
	if !response.IsOk() && !response.IsType(model.MessageRedundant) {
		return nil, mperrors.UnexpectedMessage(response.Type)
	}

	// wait for the init handler to install the replica
	for {
		t.chunksLock.RLock()
		c, found := t.chunks[chunkId]
		t.chunksLock.RUnlock()
		if found {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, mperrors.RequestTimeout(holder.String(), chunk.KConnectRequest)
		case <-time.After(connectPollInterval):
		}
	}
}

// Insert writes a revision into the given chunk.
func (t *NetTable) Insert(ctx context.Context, c *chunk.Chunk, revision *model.Revision) error {
	if !revision.StructureMatch(t.Template()) {
		return mperrors.InvalidArgument("bad structure of insert revision", nil)
	}
	return c.Insert(ctx, revision)
}

// Update routes an updated revision to its chunk.
func (t *NetTable) Update(ctx context.Context, revision *model.Revision) error {
	if t.Type() != table.CRU {
		return mperrors.TableTypeMismatch(t.Name(), "update")
	}
	c, err := t.GetChunk(ctx, revision.ChunkId)
	if err != nil {
		return err
	}
	return c.Update(ctx, revision)
}

// GetById reads the latest revision of id at time from the local cache.
func (t *NetTable) GetById(id model.Id, time model.LogicalTime) *model.Revision {
	return t.store.GetById(id, time)
}

// DumpCache returns every locally cached item at time.
func (t *NetTable) DumpCache(time model.LogicalTime) map[model.Id]*model.Revision {
	return t.store.Dump(time)
}

// CachedItemsSize counts locally cached items at the current time.
func (t *NetTable) CachedItemsSize() int {
	return t.store.Count(t.clk.Current())
}

// ActiveChunksSize returns the number of chunks held.
func (t *NetTable) ActiveChunksSize() int {
	t.chunksLock.RLock()
	defer t.chunksLock.RUnlock()
	return len(t.chunks)
}

// GetActiveChunkIds lists the held chunks.
func (t *NetTable) GetActiveChunkIds() []model.Id {
	t.chunksLock.RLock()
	defer t.chunksLock.RUnlock()
	ids := make([]model.Id, 0, len(t.chunks))
	for id := range t.chunks {
		ids = append(ids, id)
	}
	return ids
}

// ShareAllChunks requests participation for every held chunk.
func (t *NetTable) ShareAllChunks(ctx context.Context) {
	t.chunksLock.RLock()
	chunks := make([]*chunk.Chunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		chunks = append(chunks, c)
	}
	t.chunksLock.RUnlock()
	for _, c := range chunks {
		c.RequestParticipation(ctx)
	}
}

// LeaveAllChunks relinquishes every held chunk.
func (t *NetTable) LeaveAllChunks(ctx context.Context) {
	t.chunksLock.RLock()
	chunks := make([]*chunk.Chunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		chunks = append(chunks, c)
	}
	t.chunksLock.RUnlock()
	for _, c := range chunks {
		if err := c.Leave(ctx); err != nil {
			t.logger.Warn("Chunk leave failed",
				zap.String("chunk", c.Id().Hex()), zap.Error(err))
		}
	}
	t.chunksLock.Lock()
	t.chunks = make(map[model.Id]*chunk.Chunk)
	t.chunksLock.Unlock()
}

// Kill leaves all chunks and the index.
func (t *NetTable) Kill(ctx context.Context) {
	t.LeaveAllChunks(ctx)
	if t.index != nil {
		if err := t.index.Leave(ctx); err != nil {
			t.logger.Warn("Index leave failed",
				zap.String("table", t.Name()), zap.Error(err))
		}
		t.index = nil
	}
}

// installChunk registers a replica created from a state transfer.
func (t *NetTable) installChunk(c *chunk.Chunk) error {
	t.chunksLock.Lock()
	defer t.chunksLock.Unlock()
	if _, exists := t.chunks[c.Id()]; exists {
		return mperrors.InvalidArgument("chunk already active", nil)
	}
	t.chunks[c.Id()] = c
	t.metrics.ChunksHeld.Inc()
	return nil
}

// routeToChunk finds the addressed chunk. Requests for chunks this peer
// does not hold are declined, never forwarded; the requester consults
// the index and retries elsewhere.
func (t *NetTable) routeToChunk(chunkId model.Id, response *model.Message) (*chunk.Chunk, bool) {
	t.chunksLock.RLock()
	c, found := t.chunks[chunkId]
	t.chunksLock.RUnlock()
	if !found {
		response.Decline()
		return nil, false
	}
	return c, true
}
