package nettable_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/nettable"
	"github.com/robomesh/mapapi/internal/peertest"
	"github.com/robomesh/mapapi/internal/table"
)

const (
	kTableName = "chunk_test_table"
	kFieldName = "value"
)

func readInt(t *testing.T, netTable *nettable.NetTable, id model.Id, time model.LogicalTime) int64 {
	t.Helper()
	revision := netTable.GetById(id, time)
	require.NotNil(t, revision, "id %s not found", id)
	value, err := revision.GetInt(kFieldName)
	require.NoError(t, err)
	return value
}

func TestNetInsert(t *testing.T) {
	peer := peertest.NewPeer(t)
	netTable := peer.AddIntTable(t, kTableName, table.CRU, kFieldName)
	netTable.CreateIndex()
	ctx := peertest.Context(t)

	chunk, err := netTable.NewChunk(ctx)
	require.NoError(t, err)

	id := model.GenerateId()
	require.NoError(t, netTable.Insert(ctx, chunk,
		peertest.NewIntRevision(t, netTable, id, kFieldName, 42)))

	assert.Equal(t, 1, netTable.CachedItemsSize())
	assert.Equal(t, int64(42), readInt(t, netTable, id, peer.Clock.Current()))
}

func TestParticipationRequest(t *testing.T) {
	root := peertest.NewPeer(t)
	a := peertest.NewPeer(t)
	peertest.Connect(root, a)
	ctx := peertest.Context(t)

	rootTable := root.AddIntTable(t, kTableName, table.CRU, kFieldName)
	aTable := a.AddIntTable(t, kTableName, table.CRU, kFieldName)
	rootTable.CreateIndex()
	require.NoError(t, aTable.JoinIndex(ctx, root.Hub.Self()))

	chunk, err := rootTable.NewChunk(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, root.Hub.PeerSize())
	assert.Equal(t, 0, chunk.PeerSize())
	assert.Equal(t, 1, chunk.RequestParticipation(ctx))
	assert.Equal(t, 1, chunk.PeerSize())

	aChunk, err := aTable.GetChunk(ctx, chunk.Id())
	require.NoError(t, err)
	assert.Equal(t, 1, aChunk.PeerSize())
}

func TestRemoteInsert(t *testing.T) {
	root := peertest.NewPeer(t)
	a := peertest.NewPeer(t)
	peertest.Connect(root, a)
	ctx := peertest.Context(t)

	rootTable := root.AddIntTable(t, kTableName, table.CRU, kFieldName)
	aTable := a.AddIntTable(t, kTableName, table.CRU, kFieldName)
	rootTable.CreateIndex()
	require.NoError(t, aTable.JoinIndex(ctx, root.Hub.Self()))

	chunk, err := rootTable.NewChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, chunk.RequestParticipation(ctx))

	aChunk, err := aTable.GetChunk(ctx, chunk.Id())
	require.NoError(t, err)
	id := model.GenerateId()
	require.NoError(t, aTable.Insert(ctx, aChunk,
		peertest.NewIntRevision(t, aTable, id, kFieldName, 42)))

	assert.Equal(t, 1, rootTable.CachedItemsSize())
	assert.Equal(t, int64(42), readInt(t, rootTable, id, root.Clock.Current()))
}

func TestRemoteUpdate(t *testing.T) {
	root := peertest.NewPeer(t)
	a := peertest.NewPeer(t)
	peertest.Connect(root, a)
	ctx := peertest.Context(t)

	rootTable := root.AddIntTable(t, kTableName, table.CRU, kFieldName)
	aTable := a.AddIntTable(t, kTableName, table.CRU, kFieldName)
	rootTable.CreateIndex()
	require.NoError(t, aTable.JoinIndex(ctx, root.Hub.Self()))

	chunk, err := rootTable.NewChunk(ctx)
	require.NoError(t, err)
	id := model.GenerateId()
	require.NoError(t, rootTable.Insert(ctx, chunk,
		peertest.NewIntRevision(t, rootTable, id, kFieldName, 42)))

	require.Equal(t, 1, chunk.RequestParticipation(ctx))

	// A receives the existing item via the state transfer
	assert.Equal(t, int64(42), readInt(t, aTable, id, a.Clock.Current()))

	// A updates, ROOT observes
	staged := aTable.GetById(id, a.Clock.Current()).CopyForWrite()
	require.NoError(t, staged.SetInt(kFieldName, 21))
	require.NoError(t, aTable.Update(ctx, staged))

	assert.Equal(t, int64(21), readInt(t, rootTable, id, root.Clock.Current()))
	assert.Equal(t, 1, rootTable.CachedItemsSize())
}

func TestGrind(t *testing.T) {
	const peerCount = 3
	const cycles = 5

	peers := make([]*peertest.Peer, peerCount)
	tables := make([]*nettable.NetTable, peerCount)
	for i := range peers {
		peers[i] = peertest.NewPeer(t)
	}
	peertest.Connect(peers...)
	ctx := peertest.Context(t)

	for i, peer := range peers {
		tables[i] = peer.AddIntTable(t, kTableName, table.CRU, kFieldName)
		if i == 0 {
			tables[i].CreateIndex()
		} else {
			require.NoError(t, tables[i].JoinIndex(ctx, peers[0].Hub.Self()))
		}
	}

	chunk, err := tables[0].NewChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, peerCount-1, chunk.RequestParticipation(ctx))

	var wg sync.WaitGroup
	failures := make(chan error, peerCount)
	for i := 0; i < peerCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			netTable := tables[i]
			myChunk, err := netTable.GetChunk(ctx, chunk.Id())
			if err != nil {
				failures <- err
				return
			}
			for cycle := 0; cycle < cycles; cycle++ {
				id := model.GenerateId()
				if err := netTable.Insert(ctx, myChunk,
					peertest.NewIntRevision(t, netTable, id, kFieldName, 42)); err != nil {
					failures <- err
					return
				}
				staged := netTable.GetById(id, peers[i].Clock.Current()).CopyForWrite()
				if err := staged.SetInt(kFieldName, 21); err != nil {
					failures <- err
					return
				}
				if err := netTable.Update(ctx, staged); err != nil {
					failures <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		require.NoError(t, err)
	}

	for i, netTable := range tables {
		assert.Equal(t, peerCount*cycles, netTable.CachedItemsSize(), "peer %d", i)
		for id, revision := range netTable.DumpCache(peers[i].Clock.Current()) {
			value, err := revision.GetInt(kFieldName)
			require.NoError(t, err)
			assert.Equal(t, int64(21), value, "item %s on peer %d", id, i)
		}
	}
}

func TestRoutingDeclinesUnknownChunk(t *testing.T) {
	root := peertest.NewPeer(t)
	a := peertest.NewPeer(t)
	peertest.Connect(root, a)
	ctx := peertest.Context(t)

	rootTable := root.AddIntTable(t, kTableName, table.CRU, kFieldName)
	aTable := a.AddIntTable(t, kTableName, table.CRU, kFieldName)
	rootTable.CreateIndex()
	require.NoError(t, aTable.JoinIndex(ctx, root.Hub.Self()))

	// a chunk nobody announced cannot be fetched
	_, err := aTable.GetChunk(ctx, model.IdFromInt(999))
	assert.Error(t, err)
}

func TestGetChunkConnectsViaIndex(t *testing.T) {
	root := peertest.NewPeer(t)
	a := peertest.NewPeer(t)
	peertest.Connect(root, a)
	ctx := peertest.Context(t)

	rootTable := root.AddIntTable(t, kTableName, table.CRU, kFieldName)
	aTable := a.AddIntTable(t, kTableName, table.CRU, kFieldName)
	rootTable.CreateIndex()
	require.NoError(t, aTable.JoinIndex(ctx, root.Hub.Self()))

	chunk, err := rootTable.NewChunk(ctx)
	require.NoError(t, err)
	id := model.GenerateId()
	require.NoError(t, rootTable.Insert(ctx, chunk,
		peertest.NewIntRevision(t, rootTable, id, kFieldName, 7)))

	// A has never seen the chunk; the index lookup finds ROOT
	aChunk, err := aTable.GetChunk(ctx, chunk.Id())
	require.NoError(t, err)
	assert.Equal(t, chunk.Id(), aChunk.Id())
	assert.Equal(t, int64(7), readInt(t, aTable, id, a.Clock.Current()))
	assert.Equal(t, 1, chunk.PeerSize())
}

func TestChunkLeave(t *testing.T) {
	root := peertest.NewPeer(t)
	a := peertest.NewPeer(t)
	peertest.Connect(root, a)
	ctx := peertest.Context(t)

	rootTable := root.AddIntTable(t, kTableName, table.CRU, kFieldName)
	aTable := a.AddIntTable(t, kTableName, table.CRU, kFieldName)
	rootTable.CreateIndex()
	require.NoError(t, aTable.JoinIndex(ctx, root.Hub.Self()))

	chunk, err := rootTable.NewChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, chunk.RequestParticipation(ctx))
	aChunk, err := aTable.GetChunk(ctx, chunk.Id())
	require.NoError(t, err)
	require.Equal(t, 1, aChunk.PeerSize())

	require.NoError(t, aChunk.Leave(ctx))
	assert.Equal(t, 0, chunk.PeerSize(), "root must drop the leaver")

	// writes continue against the remaining holder set
	id := model.GenerateId()
	require.NoError(t, rootTable.Insert(ctx, chunk,
		peertest.NewIntRevision(t, rootTable, id, kFieldName, 1)))
	assert.Equal(t, 1, rootTable.CachedItemsSize())
}
