package chord_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/chord"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
)

// loopback routes chord RPCs directly between in-process indices.
type loopback struct {
	indices map[model.PeerId]*chord.Index
}

func (l *loopback) FindSuccessor(ctx context.Context, to model.PeerId, key chord.Key) (model.PeerId, error) {
	index, ok := l.indices[to]
	if !ok {
		return "", fmt.Errorf("peer %s gone", to)
	}
	return index.HandleFindSuccessor(ctx, key)
}

func (l *loopback) GetPredecessor(ctx context.Context, to model.PeerId) (model.PeerId, error) {
	index, ok := l.indices[to]
	if !ok {
		return "", fmt.Errorf("peer %s gone", to)
	}
	return index.HandleGetPredecessor()
}

func (l *loopback) Notify(ctx context.Context, to model.PeerId, subject model.PeerId) error {
	index, ok := l.indices[to]
	if !ok {
		return fmt.Errorf("peer %s gone", to)
	}
	index.HandleNotify(ctx, subject)
	return nil
}

func (l *loopback) Leave(ctx context.Context, to model.PeerId,
	leaver, leaverSuccessor, leaverPredecessor model.PeerId) error {
	index, ok := l.indices[to]
	if !ok {
		return fmt.Errorf("peer %s gone", to)
	}
	index.HandleLeave(ctx, leaver, leaverSuccessor, leaverPredecessor)
	return nil
}

func (l *loopback) AddData(ctx context.Context, to model.PeerId, key string, value []byte) error {
	index, ok := l.indices[to]
	if !ok {
		return fmt.Errorf("peer %s gone", to)
	}
	return index.HandleAddData(ctx, key, value)
}

func (l *loopback) AppendData(ctx context.Context, to model.PeerId, key string, value []byte) error {
	index, ok := l.indices[to]
	if !ok {
		return fmt.Errorf("peer %s gone", to)
	}
	return index.HandleAppendData(ctx, key, value)
}

func (l *loopback) RetrieveData(ctx context.Context, to model.PeerId, key string) ([]byte, bool, error) {
	index, ok := l.indices[to]
	if !ok {
		return nil, false, fmt.Errorf("peer %s gone", to)
	}
	return index.HandleRetrieveData(ctx, key)
}

// buildRing creates one index, joins the rest through it and returns
// peers in join order.
func buildRing(t *testing.T, n int) (chord.Ring, *loopback, []model.PeerId) {
	t.Helper()
	ring := chord.NewRing(16)
	net := &loopback{indices: make(map[model.PeerId]*chord.Index)}

	peers := make([]model.PeerId, 0, n)
	keys := make(map[chord.Key]struct{})
	for port := 9000; len(peers) < n; port++ {
		peer := model.PeerId(fmt.Sprintf("127.0.0.1:%d", port))
		key := ring.Hash(peer.String())
		if _, dup := keys[key]; dup {
			continue // skip rare hash collisions to keep the ring well defined
		}
		keys[key] = struct{}{}
		peers = append(peers, peer)
	}

	for i, peer := range peers {
		index := chord.NewIndex(ring, peer, net, metrics.NewNop(), zap.NewNop())
		net.indices[peer] = index
		if i == 0 {
			index.Create()
		} else {
			require.NoError(t, index.Join(context.Background(), peers[0]))
		}
	}
	return ring, net, peers
}

// expectedSuccessor computes the owner of a key from the sorted peer
// keys.
func expectedSuccessor(ring chord.Ring, peers []model.PeerId, key chord.Key) model.PeerId {
	type entry struct {
		key  chord.Key
		peer model.PeerId
	}
	entries := make([]entry, 0, len(peers))
	for _, peer := range peers {
		entries = append(entries, entry{key: ring.Hash(peer.String()), peer: peer})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	for _, e := range entries {
		if e.key >= key {
			return e.peer
		}
	}
	return entries[0].peer
}

func TestIndex_SingleNodeOwnsEverything(t *testing.T) {
	_, net, peers := buildRing(t, 1)
	index := net.indices[peers[0]]
	for _, key := range []chord.Key{0, 1, 1000, 65535} {
		peer, err := index.FindSuccessor(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, peers[0], peer)
	}
}

func TestIndex_Convergence(t *testing.T) {
	ring, net, peers := buildRing(t, 8)

	// every node resolves every probed key to the same owner
	for probe := 0; probe < 64; probe++ {
		key := chord.Key((probe * 1021) % (1 << 16))
		want := expectedSuccessor(ring, peers, key)
		for _, peer := range peers {
			got, err := net.indices[peer].FindSuccessor(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, want, got,
				"key %d from node %s", key, peer)
		}
	}
}

func TestIndex_RingClosure(t *testing.T) {
	_, net, peers := buildRing(t, 8)

	visited := make(map[model.PeerId]struct{})
	current := peers[0]
	for i := 0; i < len(peers); i++ {
		_, dup := visited[current]
		require.False(t, dup, "successor chain revisited %s", current)
		visited[current] = struct{}{}
		current = net.indices[current].Successor()
	}
	assert.Equal(t, peers[0], current, "successor chain must close the ring")
	assert.Len(t, visited, len(peers))
}

func TestIndex_DataRouting(t *testing.T) {
	_, net, peers := buildRing(t, 4)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("item-%d", i)
		value := []byte(fmt.Sprintf("value-%d", i))
		require.NoError(t, net.indices[peers[i%len(peers)]].AddData(ctx, key, value))
	}
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("item-%d", i)
		for _, peer := range peers {
			value, found, err := net.indices[peer].RetrieveData(ctx, key)
			require.NoError(t, err)
			require.True(t, found, "key %s from %s", key, peer)
			assert.Equal(t, fmt.Sprintf("value-%d", i), string(value))
		}
	}
}

func TestIndex_AppendData(t *testing.T) {
	_, net, peers := buildRing(t, 3)
	ctx := context.Background()

	require.NoError(t, net.indices[peers[0]].AppendData(ctx, "set", []byte("a\n")))
	require.NoError(t, net.indices[peers[1]].AppendData(ctx, "set", []byte("b\n")))
	require.NoError(t, net.indices[peers[2]].AppendData(ctx, "set", []byte("c\n")))

	value, found, err := net.indices[peers[0]].RetrieveData(ctx, "set")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a\nb\nc\n", string(value))
}

func TestIndex_LeaveMigratesData(t *testing.T) {
	_, net, peers := buildRing(t, 4)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, net.indices[peers[0]].AddData(ctx,
			fmt.Sprintf("item-%d", i), []byte("payload")))
	}

	leaver := peers[2]
	require.NoError(t, net.indices[leaver].Leave(ctx))
	delete(net.indices, leaver)
	remaining := append(append([]model.PeerId(nil), peers[:2]...), peers[3])

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("item-%d", i)
		for _, peer := range remaining {
			_, found, err := net.indices[peer].RetrieveData(ctx, key)
			require.NoError(t, err, "key %s from %s", key, peer)
			assert.True(t, found, "key %s lost after leave", key)
		}
	}
}
