package nettable

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/chord"
	"github.com/robomesh/mapapi/internal/chunk"
	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/config"
	"github.com/robomesh/mapapi/internal/hub"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/spatial"
	"github.com/robomesh/mapapi/internal/table"
)

// Manager owns every net table of a peer and routes inbound chunk,
// chord and spatial requests to them. It is a process-wide resource
// with an explicit NewManager/Shutdown lifecycle; tables are added at
// construction time and never removed during operation.
type Manager struct {
	hub     *hub.Hub
	clk     *clock.Logical
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	tablesMu sync.RWMutex
	tables   map[string]*NetTable
}

// NewManager creates the manager and registers its handlers on the hub.
func NewManager(h *hub.Hub, clk *clock.Logical, cfg *config.Config,
	m *metrics.Metrics, logger *zap.Logger) *Manager {
	manager := &Manager{
		hub:     h,
		clk:     clk,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		tables:  make(map[string]*NetTable),
	}
	manager.registerHandlers()
	return manager
}

func (m *Manager) registerHandlers() {
	m.hub.RegisterHandler(chunk.KConnectRequest, m.handleConnectRequest)
	m.hub.RegisterHandler(chunk.KInitRequest, m.handleInitRequest)
	m.hub.RegisterHandler(chunk.KInsertRequest, m.handleInsertRequest)
	m.hub.RegisterHandler(chunk.KUpdateRequest, m.handleUpdateRequest)
	m.hub.RegisterHandler(chunk.KLockRequest, m.handleLockRequest)
	m.hub.RegisterHandler(chunk.KUnlockRequest, m.handleUnlockRequest)
	m.hub.RegisterHandler(chunk.KNewPeerRequest, m.handleNewPeerRequest)
	m.hub.RegisterHandler(chunk.KLeaveRequest, m.handleLeaveRequest)
	m.hub.RegisterHandler(chunk.KParticipationRequest, m.handleParticipationRequest)

	m.hub.RegisterHandler(KChordFindSuccessor, m.handleChordFindSuccessor)
	m.hub.RegisterHandler(KChordGetPredecessor, m.handleChordGetPredecessor)
	m.hub.RegisterHandler(KChordNotify, m.handleChordNotify)
	m.hub.RegisterHandler(KChordLeave, m.handleChordLeave)
	m.hub.RegisterHandler(KChordAddData, m.handleChordAddData)
	m.hub.RegisterHandler(KChordAppendData, m.handleChordAppendData)
	m.hub.RegisterHandler(KChordRetrieveData, m.handleChordRetrieveData)

	m.hub.RegisterHandler(spatial.KTriggerRequest, m.handleSpatialTrigger)
}

// AddTable declares a table. All peers must declare a table with the
// same name, kind and template.
func (m *Manager) AddTable(typ table.Type, template *model.Template) (*NetTable, error) {
	m.tablesMu.Lock()
	defer m.tablesMu.Unlock()
	if _, exists := m.tables[template.TableName]; exists {
		m.logger.Fatal("Table declared twice", zap.String("table", template.TableName))
	}
	netTable := newNetTable(typ, template, m.hub, m.clk, m.cfg, m.metrics, m.logger)
	m.tables[template.TableName] = netTable
	return netTable, nil
}

// GetTable returns a declared table.
func (m *Manager) GetTable(name string) (*NetTable, bool) {
	m.tablesMu.RLock()
	defer m.tablesMu.RUnlock()
	netTable, ok := m.tables[name]
	return netTable, ok
}

// Tables returns every declared table.
func (m *Manager) Tables() []*NetTable {
	m.tablesMu.RLock()
	defer m.tablesMu.RUnlock()
	tables := make([]*NetTable, 0, len(m.tables))
	for _, netTable := range m.tables {
		tables = append(tables, netTable)
	}
	return tables
}

// Shutdown leaves all chunks and indices.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, netTable := range m.Tables() {
		netTable.Kill(ctx)
	}
}

// tableFor resolves the table named in a payload; unknown tables are
// declined (the sender may have a richer schema).
func (m *Manager) tableFor(name string, response *model.Message) (*NetTable, bool) {
	netTable, ok := m.GetTable(name)
	if !ok {
		response.Decline()
		return nil, false
	}
	return netTable, true
}

func (m *Manager) handleConnectRequest(request *model.Message, response *model.Message) {
	var payload chunk.ConnectRequest
	if err := request.Extract(chunk.KConnectRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	c, ok := netTable.routeToChunk(payload.ChunkId, response)
	if !ok {
		return
	}
	c.HandleConnectRequest(context.Background(), request.Sender, response)
}

func (m *Manager) handleInitRequest(request *model.Message, response *model.Message) {
	var payload chunk.InitRequest
	if err := request.Extract(chunk.KInitRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	if netTable.Has(payload.ChunkId) {
		response.Type = model.MessageRedundant
		return
	}
	replica, err := chunk.NewFromInit(&payload, request.Sender, netTable.Store(),
		m.hub, m.clk, m.cfg.Chunk, m.metrics, m.logger)
	if err != nil {
		m.logger.Error("Rejecting chunk state transfer", zap.Error(err))
		response.Type = model.MessageInvalid
		return
	}
	if err := netTable.installChunk(replica); err != nil {
		response.Type = model.MessageRedundant
		return
	}
	response.Ack()
}

func (m *Manager) handleInsertRequest(request *model.Message, response *model.Message) {
	var payload chunk.WriteRequest
	if err := request.Extract(chunk.KInsertRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	c, ok := netTable.routeToChunk(payload.ChunkId, response)
	if !ok {
		return
	}
	c.HandleInsertRequest(&payload, response)
}

func (m *Manager) handleUpdateRequest(request *model.Message, response *model.Message) {
	var payload chunk.WriteRequest
	if err := request.Extract(chunk.KUpdateRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	c, ok := netTable.routeToChunk(payload.ChunkId, response)
	if !ok {
		return
	}
	c.HandleUpdateRequest(&payload, response)
}

func (m *Manager) handleLockRequest(request *model.Message, response *model.Message) {
	var payload chunk.LockRequest
	if err := request.Extract(chunk.KLockRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	c, ok := netTable.routeToChunk(payload.ChunkId, response)
	if !ok {
		return
	}
	c.HandleLockRequest(&payload, response)
}

func (m *Manager) handleUnlockRequest(request *model.Message, response *model.Message) {
	var payload chunk.UnlockRequest
	if err := request.Extract(chunk.KUnlockRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	c, ok := netTable.routeToChunk(payload.ChunkId, response)
	if !ok {
		return
	}
	c.HandleUnlockRequest(&payload, response)
}

func (m *Manager) handleNewPeerRequest(request *model.Message, response *model.Message) {
	var payload chunk.NewPeerRequest
	if err := request.Extract(chunk.KNewPeerRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	c, ok := netTable.routeToChunk(payload.ChunkId, response)
	if !ok {
		return
	}
	c.HandleNewPeerRequest(&payload, response)
}

func (m *Manager) handleLeaveRequest(request *model.Message, response *model.Message) {
	var payload chunk.LeaveRequest
	if err := request.Extract(chunk.KLeaveRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	c, ok := netTable.routeToChunk(payload.ChunkId, response)
	if !ok {
		return
	}
	c.HandleLeaveRequest(request.Sender, response)
}

// handleParticipationRequest joins the sender's chunk before replying:
// acceptance means the replica is installed.
func (m *Manager) handleParticipationRequest(request *model.Message, response *model.Message) {
	var payload chunk.ParticipationRequest
	if err := request.Extract(chunk.KParticipationRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	if netTable.Has(payload.ChunkId) {
		response.Type = model.MessageRedundant
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Hub.RequestTimeout)
	defer cancel()
	if _, err := netTable.ConnectTo(ctx, payload.ChunkId, request.Sender); err != nil {
		m.logger.Warn("Declining participation request",
			zap.String("chunk", payload.ChunkId.Hex()),
			zap.Error(err))
		response.Decline()
		return
	}
	response.Ack()
}

// indexFor resolves the chord index of the table named in a payload.
func (m *Manager) indexFor(name string, response *model.Message) (*chord.Index, bool) {
	netTable, ok := m.tableFor(name, response)
	if !ok {
		return nil, false
	}
	index := netTable.Index()
	if index == nil {
		response.Decline()
		return nil, false
	}
	return index.Chord(), true
}

func (m *Manager) handleChordFindSuccessor(request *model.Message, response *model.Message) {
	var payload chordKeyRequest
	if err := request.Extract(KChordFindSuccessor, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	index, ok := m.indexFor(payload.Table, response)
	if !ok {
		return
	}
	peer, err := index.HandleFindSuccessor(context.Background(), chord.Key(payload.Key))
	if err != nil {
		response.Type = model.MessageCantReach
		return
	}
	if err := response.Impose(KChordPeerResponse, chordPeerResponse{Peer: peer}); err != nil {
		response.Type = model.MessageInvalid
	}
}

func (m *Manager) handleChordGetPredecessor(request *model.Message, response *model.Message) {
	var payload chordTableRequest
	if err := request.Extract(KChordGetPredecessor, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	index, ok := m.indexFor(payload.Table, response)
	if !ok {
		return
	}
	peer, err := index.HandleGetPredecessor()
	if err != nil {
		response.Type = model.MessageCantReach
		return
	}
	if err := response.Impose(KChordPeerResponse, chordPeerResponse{Peer: peer}); err != nil {
		response.Type = model.MessageInvalid
	}
}

func (m *Manager) handleChordNotify(request *model.Message, response *model.Message) {
	var payload chordNotifyRequest
	if err := request.Extract(KChordNotify, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	index, ok := m.indexFor(payload.Table, response)
	if !ok {
		return
	}
	index.HandleNotify(context.Background(), payload.Subject)
	response.Ack()
}

func (m *Manager) handleChordLeave(request *model.Message, response *model.Message) {
	var payload chordLeaveRequest
	if err := request.Extract(KChordLeave, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	index, ok := m.indexFor(payload.Table, response)
	if !ok {
		return
	}
	index.HandleLeave(context.Background(), payload.Leaver, payload.LeaverSuccessor, payload.LeaverPredecessor)
	response.Ack()
}

func (m *Manager) handleChordAddData(request *model.Message, response *model.Message) {
	var payload chordDataRequest
	if err := request.Extract(KChordAddData, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	index, ok := m.indexFor(payload.Table, response)
	if !ok {
		return
	}
	if err := index.HandleAddData(context.Background(), payload.Key, payload.Value); err != nil {
		response.Type = model.MessageCantReach
		return
	}
	response.Ack()
}

func (m *Manager) handleChordAppendData(request *model.Message, response *model.Message) {
	var payload chordDataRequest
	if err := request.Extract(KChordAppendData, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	index, ok := m.indexFor(payload.Table, response)
	if !ok {
		return
	}
	if err := index.HandleAppendData(context.Background(), payload.Key, payload.Value); err != nil {
		response.Type = model.MessageCantReach
		return
	}
	response.Ack()
}

func (m *Manager) handleChordRetrieveData(request *model.Message, response *model.Message) {
	var payload chordDataRequest
	if err := request.Extract(KChordRetrieveData, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	index, ok := m.indexFor(payload.Table, response)
	if !ok {
		return
	}
	value, found, err := index.HandleRetrieveData(context.Background(), payload.Key)
	if err != nil {
		response.Type = model.MessageCantReach
		return
	}
	if err := response.Impose(KChordDataResponse, chordDataResponse{Value: value, Found: found}); err != nil {
		response.Type = model.MessageInvalid
	}
}

// handleSpatialTrigger connects to a chunk pushed by a holder after it
// was registered in a cell this peer listens to.
func (m *Manager) handleSpatialTrigger(request *model.Message, response *model.Message) {
	var payload spatial.TriggerRequest
	if err := request.Extract(spatial.KTriggerRequest, &payload); err != nil {
		response.Type = model.MessageInvalid
		return
	}
	netTable, ok := m.tableFor(payload.Table, response)
	if !ok {
		return
	}
	if netTable.Has(payload.ChunkId) {
		response.Type = model.MessageRedundant
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Hub.RequestTimeout)
	defer cancel()
	if _, err := netTable.ConnectTo(ctx, payload.ChunkId, request.Sender); err != nil {
		m.logger.Warn("Spatial trigger connect failed",
			zap.String("chunk", payload.ChunkId.Hex()),
			zap.Error(err))
		response.Decline()
		return
	}
	response.Ack()
}
