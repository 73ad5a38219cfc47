package chord

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
)

// RPC abstracts the remote half of the protocol. The holder of an Index
// wires it to the hub and routes inbound requests back to the handler
// methods; tests may plug a loopback implementation.
type RPC interface {
	FindSuccessor(ctx context.Context, to model.PeerId, key Key) (model.PeerId, error)
	GetPredecessor(ctx context.Context, to model.PeerId) (model.PeerId, error)
	Notify(ctx context.Context, to model.PeerId, subject model.PeerId) error
	Leave(ctx context.Context, to model.PeerId, leaver, leaverSuccessor, leaverPredecessor model.PeerId) error
	AddData(ctx context.Context, to model.PeerId, key string, value []byte) error
	AppendData(ctx context.Context, to model.PeerId, key string, value []byte) error
	RetrieveData(ctx context.Context, to model.PeerId, key string) ([]byte, bool, error)
}

// peerRecord is a reference-counted entry of the peer bag. Records are
// shared by fingers, successor and predecessor; a record leaves the bag
// when nothing references it anymore.
type peerRecord struct {
	id   model.PeerId
	key  Key
	refs int
}

type finger struct {
	baseKey Key
	peer    *peerRecord
}

// Index is one peer's view of one table's ring.
type Index struct {
	ring    Ring
	self    model.PeerId
	ownKey  Key
	rpc     RPC
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu          sync.Mutex
	initialized bool
	terminating bool
	fingers     []finger
	successor   *peerRecord
	predecessor *peerRecord
	selfRecord  *peerRecord
	peers       map[model.PeerId]*peerRecord

	dataMu sync.RWMutex
	data   map[string][]byte
}

// NewIndex creates an uninitialized index; call Create or Join before
// serving lookups.
func NewIndex(ring Ring, self model.PeerId, rpc RPC, m *metrics.Metrics, logger *zap.Logger) *Index {
	return &Index{
		ring:    ring,
		self:    self,
		ownKey:  ring.Hash(self.String()),
		rpc:     rpc,
		metrics: m,
		logger:  logger,
		peers:   make(map[model.PeerId]*peerRecord),
		data:    make(map[string][]byte),
	}
}

// OwnKey returns this peer's ring position.
func (i *Index) OwnKey() Key { return i.ownKey }

func (i *Index) init() {
	i.selfRecord = &peerRecord{id: i.self, key: i.ownKey}
	i.fingers = make([]finger, i.ring.M())
	for idx := range i.fingers {
		i.fingers[idx].baseKey = i.ring.FingerBase(i.ownKey, idx)
	}
}

// Create initializes a new ring with this peer as its only member.
func (i *Index) Create() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.init()
	for idx := range i.fingers {
		i.fingers[idx].peer = i.selfRecord
	}
	i.successor = i.selfRecord
	i.predecessor = i.selfRecord
	i.initialized = true
	i.updateRingSizeLocked()
	i.logger.Info("Chord ring created",
		zap.String("peer", i.self.String()),
		zap.Uint32("key", uint32(i.ownKey)))
}

// Join enters the ring known to other: every finger is resolved through
// other, then predecessor and successor are notified eagerly.
func (i *Index) Join(ctx context.Context, other model.PeerId) error {
	i.mu.Lock()
	i.init()
	for idx := range i.fingers {
		peer, err := i.rpc.FindSuccessor(ctx, other, i.fingers[idx].baseKey)
		if err != nil {
			i.mu.Unlock()
			return fmt.Errorf("resolve finger %d: %w", idx, err)
		}
		i.fingers[idx].peer = i.registerPeerLocked(peer)
	}
	i.successor = i.fingers[0].peer
	i.successor.refs++

	predecessor, err := i.rpc.GetPredecessor(ctx, i.successor.id)
	if err != nil {
		i.mu.Unlock()
		return fmt.Errorf("fetch predecessor: %w", err)
	}
	i.predecessor = i.registerPeerLocked(predecessor)
	i.initialized = true
	i.updateRingSizeLocked()
	notifyTargets := []model.PeerId{i.predecessor.id, i.successor.id}
	i.mu.Unlock()

	for _, target := range notifyTargets {
		if target == i.self {
			continue
		}
		if err := i.rpc.Notify(ctx, target, i.self); err != nil {
			return fmt.Errorf("notify %s: %w", target, err)
		}
	}
	i.logger.Info("Joined chord ring",
		zap.String("peer", i.self.String()),
		zap.String("via", other.String()),
		zap.Uint32("key", uint32(i.ownKey)))
	return nil
}

// registerPeerLocked returns the bag record for peer with one reference
// added, creating it if needed.
func (i *Index) registerPeerLocked(peer model.PeerId) *peerRecord {
	if peer == i.self {
		i.selfRecord.refs++
		return i.selfRecord
	}
	record, ok := i.peers[peer]
	if !ok {
		record = &peerRecord{id: peer, key: i.ring.Hash(peer.String())}
		i.peers[peer] = record
	}
	record.refs++
	return record
}

// releaseLocked drops one reference; unreferenced records leave the bag.
func (i *Index) releaseLocked(record *peerRecord) {
	if record == nil || record == i.selfRecord {
		return
	}
	record.refs--
	if record.refs <= 0 {
		delete(i.peers, record.id)
	}
}

func (i *Index) updateRingSizeLocked() {
	i.metrics.ChordRingSize.Set(float64(len(i.peers)))
}

// FindSuccessor resolves the peer responsible for key, routing through
// the closest preceding finger when the key is not between this peer
// and its successor. O(log N) expected hops.
func (i *Index) FindSuccessor(ctx context.Context, key Key) (model.PeerId, error) {
	i.mu.Lock()
	if !i.initialized {
		i.mu.Unlock()
		return "", fmt.Errorf("chord index not initialized")
	}
	i.metrics.ChordLookupsTotal.Inc()
	if key == i.ownKey {
		i.mu.Unlock()
		i.metrics.ChordLookupHops.Observe(0)
		return i.self, nil
	}
	// key in (own, successor]
	if key == i.successor.key ||
		(i.ring.IsIn(key, i.ownKey, i.successor.key) && key != i.ownKey) {
		successor := i.successor.id
		i.mu.Unlock()
		i.metrics.ChordLookupHops.Observe(0)
		return successor, nil
	}
	closest := i.closestPrecedingFingerLocked(key)
	i.mu.Unlock()

	if closest == i.self {
		i.metrics.ChordLookupHops.Observe(0)
		return i.self, nil
	}
	// every node on the route records its own hop; the per-ring sum is
	// the total route length
	i.metrics.ChordLookupHops.Observe(1)
	return i.rpc.FindSuccessor(ctx, closest, key)
}

// closestPrecedingFingerLocked scans fingers from M-1 downward and
// returns the first whose peer key lies in (own, key).
func (i *Index) closestPrecedingFingerLocked(key Key) model.PeerId {
	for idx := len(i.fingers) - 1; idx >= 0; idx-- {
		actual := i.fingers[idx].peer.key
		if actual != i.ownKey && i.ring.IsIn(actual, i.ownKey, key) && actual != key {
			return i.fingers[idx].peer.id
		}
	}
	return i.self
}

// HandleFindSuccessor serves a remote find_successor.
func (i *Index) HandleFindSuccessor(ctx context.Context, key Key) (model.PeerId, error) {
	return i.FindSuccessor(ctx, key)
}

// HandleGetPredecessor serves a remote get_predecessor.
func (i *Index) HandleGetPredecessor() (model.PeerId, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.initialized {
		return "", fmt.Errorf("chord index not initialized")
	}
	return i.predecessor.id, nil
}

// HandleNotify folds a candidate peer into fingers, successor and
// predecessor. The candidate enters the peer bag only if it was wired
// anywhere. When the candidate becomes the new predecessor it takes
// over part of this peer's key arc, so the data stored there is handed
// to it.
func (i *Index) HandleNotify(ctx context.Context, candidate model.PeerId) {
	i.mu.Lock()
	if !i.initialized || candidate == i.self {
		i.mu.Unlock()
		return
	}
	if _, known := i.peers[candidate]; known {
		// already aware of the node
		i.mu.Unlock()
		return
	}
	record := &peerRecord{id: candidate, key: i.ring.Hash(candidate.String())}

	// fix fingers; multiple fingers can end up on the same peer
	for idx := range i.fingers {
		current := i.fingers[idx].peer
		if i.ring.IsIn(record.key, i.fingers[idx].baseKey, current.key) {
			i.releaseLocked(current)
			i.fingers[idx].peer = record
			record.refs++
		}
	}
	if i.ring.IsIn(record.key, i.ownKey, i.successor.key) && record.key != i.ownKey {
		i.releaseLocked(i.successor)
		i.successor = record
		record.refs++
	}
	var oldPredecessorKey Key
	predecessorChanged := false
	if i.ring.IsIn(record.key, i.predecessor.key, i.ownKey) && record.key != i.ownKey {
		oldPredecessorKey = i.predecessor.key
		predecessorChanged = true
		i.releaseLocked(i.predecessor)
		i.predecessor = record
		record.refs++
	}
	if record.refs > 0 {
		i.peers[candidate] = record
	}
	i.updateRingSizeLocked()
	i.mu.Unlock()

	if predecessorChanged {
		i.handOverArc(ctx, candidate, oldPredecessorKey, record.key)
	}
}

// handOverArc pushes locally stored data whose keys now belong to the
// new predecessor, i.e. keys in (oldPredecessor, newPredecessor].
func (i *Index) handOverArc(ctx context.Context, to model.PeerId, oldPredecessorKey, newPredecessorKey Key) {
	i.dataMu.Lock()
	moved := make(map[string][]byte)
	for key, value := range i.data {
		ringKey := i.ring.Hash(key)
		inArc := ringKey == newPredecessorKey ||
			(i.ring.IsIn(ringKey, oldPredecessorKey, newPredecessorKey) &&
				ringKey != oldPredecessorKey)
		if inArc {
			moved[key] = value
			delete(i.data, key)
		}
	}
	i.dataMu.Unlock()

	for key, value := range moved {
		if err := i.rpc.AddData(ctx, to, key, value); err != nil {
			i.logger.Warn("Data handover failed",
				zap.String("peer", to.String()),
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// Successor returns the current successor.
func (i *Index) Successor() model.PeerId {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.successor == nil {
		return ""
	}
	return i.successor.id
}

// Predecessor returns the current predecessor.
func (i *Index) Predecessor() model.PeerId {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.predecessor == nil {
		return ""
	}
	return i.predecessor.id
}

// KnownPeers returns every peer currently referenced by the index.
func (i *Index) KnownPeers() []model.PeerId {
	i.mu.Lock()
	defer i.mu.Unlock()
	peers := make([]model.PeerId, 0, len(i.peers))
	for id := range i.peers {
		peers = append(peers, id)
	}
	return peers
}

// Leave announces the departure around the circle so every peer drops
// its stale references deterministically, then hands this peer's data
// to its successor.
func (i *Index) Leave(ctx context.Context) error {
	i.mu.Lock()
	if !i.initialized {
		i.mu.Unlock()
		return nil
	}
	i.terminating = true
	successor := i.successor.id
	predecessor := i.predecessor.id
	i.initialized = false
	i.mu.Unlock()

	if successor == i.self {
		return nil
	}

	if err := i.rpc.Leave(ctx, successor, i.self, successor, predecessor); err != nil {
		i.logger.Warn("Successor unreachable during leave",
			zap.String("peer", successor.String()), zap.Error(err))
	}

	i.dataMu.Lock()
	data := i.data
	i.data = make(map[string][]byte)
	i.dataMu.Unlock()
	for key, value := range data {
		if err := i.rpc.AddData(ctx, successor, key, value); err != nil {
			return fmt.Errorf("migrate %q to successor: %w", key, err)
		}
	}
	return nil
}

// HandleLeave removes the leaver from fingers, successor, predecessor
// and the bag, rewiring to the leaver's neighbors, and forwards the
// announcement to its own successor until the message has travelled
// the full circle.
func (i *Index) HandleLeave(ctx context.Context, leaver, leaverSuccessor, leaverPredecessor model.PeerId) {
	i.mu.Lock()
	if !i.initialized {
		i.mu.Unlock()
		return
	}
	if record, known := i.peers[leaver]; known {
		for idx := range i.fingers {
			if i.fingers[idx].peer == record {
				i.fingers[idx].peer = i.registerPeerLocked(leaverSuccessor)
				record.refs--
			}
		}
		if i.successor == record {
			i.successor = i.registerPeerLocked(leaverSuccessor)
			record.refs--
		}
		if i.predecessor == record {
			i.predecessor = i.registerPeerLocked(leaverPredecessor)
			record.refs--
		}
		delete(i.peers, leaver)
	}
	i.updateRingSizeLocked()
	next := i.successor.id
	i.mu.Unlock()

	// stop once the next hop closes the circle back at the leaver's
	// successor
	if next == i.self || next == leaverSuccessor || next == leaver {
		return
	}
	if err := i.rpc.Leave(ctx, next, leaver, leaverSuccessor, leaverPredecessor); err != nil {
		i.logger.Warn("Leave forwarding failed",
			zap.String("peer", next.String()), zap.Error(err))
	}
}

// responsible reports whether this peer stores the given ring key:
// keys in (predecessor, own] belong to this peer.
func (i *Index) responsible(key Key) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.predecessor == nil || i.predecessor == i.selfRecord {
		return true
	}
	return (i.ring.IsIn(key, i.predecessor.key, i.ownKey) && key != i.predecessor.key) ||
		key == i.ownKey
}

// AddData stores value under key at the responsible peer, routing if
// this peer is not it.
func (i *Index) AddData(ctx context.Context, key string, value []byte) error {
	ringKey := i.ring.Hash(key)
	if i.responsible(ringKey) {
		i.dataMu.Lock()
		i.data[key] = value
		i.dataMu.Unlock()
		return nil
	}
	holder, err := i.FindSuccessor(ctx, ringKey)
	if err != nil {
		return err
	}
	if holder == i.self {
		i.dataMu.Lock()
		i.data[key] = value
		i.dataMu.Unlock()
		return nil
	}
	return i.rpc.AddData(ctx, holder, key, value)
}

// AppendData atomically appends value to the entry under key at the
// responsible peer. Set-valued index entries (chunk holder lists,
// spatial cells) are maintained this way so concurrent registrations
// cannot lose each other.
func (i *Index) AppendData(ctx context.Context, key string, value []byte) error {
	ringKey := i.ring.Hash(key)
	if i.responsible(ringKey) {
		i.appendLocal(key, value)
		return nil
	}
	holder, err := i.FindSuccessor(ctx, ringKey)
	if err != nil {
		return err
	}
	if holder == i.self {
		i.appendLocal(key, value)
		return nil
	}
	return i.rpc.AppendData(ctx, holder, key, value)
}

func (i *Index) appendLocal(key string, value []byte) {
	i.dataMu.Lock()
	i.data[key] = append(i.data[key], value...)
	i.dataMu.Unlock()
}

// HandleAppendData serves a remote append_data.
func (i *Index) HandleAppendData(ctx context.Context, key string, value []byte) error {
	return i.AppendData(ctx, key, value)
}

// RetrieveData fetches the value under key from the responsible peer.
func (i *Index) RetrieveData(ctx context.Context, key string) ([]byte, bool, error) {
	ringKey := i.ring.Hash(key)
	if i.responsible(ringKey) {
		i.dataMu.RLock()
		value, ok := i.data[key]
		i.dataMu.RUnlock()
		return value, ok, nil
	}
	holder, err := i.FindSuccessor(ctx, ringKey)
	if err != nil {
		return nil, false, err
	}
	if holder == i.self {
		i.dataMu.RLock()
		value, ok := i.data[key]
		i.dataMu.RUnlock()
		return value, ok, nil
	}
	return i.rpc.RetrieveData(ctx, holder, key)
}

// HandleAddData serves a remote add_data.
func (i *Index) HandleAddData(ctx context.Context, key string, value []byte) error {
	return i.AddData(ctx, key, value)
}

// HandleRetrieveData serves a remote retrieve_data.
func (i *Index) HandleRetrieveData(ctx context.Context, key string) ([]byte, bool, error) {
	return i.RetrieveData(ctx, key)
}
