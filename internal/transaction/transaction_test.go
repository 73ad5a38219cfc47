package transaction_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomesh/mapapi/internal/chunk"
	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/nettable"
	"github.com/robomesh/mapapi/internal/peertest"
	"github.com/robomesh/mapapi/internal/table"
	"github.com/robomesh/mapapi/internal/transaction"
)

const (
	kTableName = "transaction_test_table"
	kFieldName = "value"
)

// singlePeer stands up one peer with one CRU table and one chunk.
func singlePeer(t *testing.T) (*peertest.Peer, *nettable.NetTable, *chunk.Chunk) {
	t.Helper()
	peer := peertest.NewPeer(t)
	netTable := peer.AddIntTable(t, kTableName, table.CRU, kFieldName)
	netTable.CreateIndex()
	c, err := netTable.NewChunk(peertest.Context(t))
	require.NoError(t, err)
	return peer, netTable, c
}

func insert(t *testing.T, tx *transaction.Transaction, netTable *nettable.NetTable,
	c *chunk.Chunk, value int64) model.Id {
	t.Helper()
	id := model.GenerateId()
	require.NoError(t, tx.Insert(netTable, c,
		peertest.NewIntRevision(t, netTable, id, kFieldName, value)))
	return id
}

func increment(t *testing.T, tx *transaction.Transaction, netTable *nettable.NetTable,
	c *chunk.Chunk, id model.Id) {
	t.Helper()
	current := tx.GetById(netTable, c, id)
	require.NotNil(t, current)
	staged := current.CopyForWrite()
	value, err := staged.GetInt(kFieldName)
	require.NoError(t, err)
	require.NoError(t, staged.SetInt(kFieldName, value+1))
	require.NoError(t, tx.Update(peertest.Context(t), netTable, staged))
}

func TestChunkTransaction_CommitAndRead(t *testing.T) {
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	tx := transaction.NewChunkTransaction(c, peer.Clock)
	id := model.GenerateId()
	require.NoError(t, tx.Insert(peertest.NewIntRevision(t, netTable, id, kFieldName, 42)))

	// staged values are visible inside the transaction only
	assert.NotNil(t, tx.GetById(id))
	assert.Nil(t, netTable.GetById(id, peer.Clock.Current()))

	require.NoError(t, tx.Commit(ctx))
	stored := netTable.GetById(id, peer.Clock.Current())
	require.NotNil(t, stored)
	value, err := stored.GetInt(kFieldName)
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)
}

func TestChunkTransaction_InsertCollisionFailsCleanly(t *testing.T) {
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	id := model.GenerateId()
	first := transaction.NewChunkTransaction(c, peer.Clock)
	require.NoError(t, first.Insert(peertest.NewIntRevision(t, netTable, id, kFieldName, 1)))
	require.NoError(t, first.Commit(ctx))

	second := transaction.NewChunkTransaction(c, peer.Clock)
	require.NoError(t, second.Insert(peertest.NewIntRevision(t, netTable, id, kFieldName, 2)))
	err := second.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeIdCollision, mperrors.CodeOf(err))

	// state unchanged
	value, readErr := netTable.GetById(id, peer.Clock.Current()).GetInt(kFieldName)
	require.NoError(t, readErr)
	assert.Equal(t, int64(1), value)
}

func TestChunkTransaction_StaleUpdateFails(t *testing.T) {
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	id := model.GenerateId()
	require.NoError(t, netTable.Insert(ctx, c,
		peertest.NewIntRevision(t, netTable, id, kFieldName, 1)))

	// tx reads before the interfering update
	tx := transaction.NewChunkTransaction(c, peer.Clock)
	staged := tx.GetById(id).CopyForWrite()
	require.NoError(t, staged.SetInt(kFieldName, 2))
	require.NoError(t, tx.Update(staged))

	// interfering direct update after tx begin
	interfering := netTable.GetById(id, peer.Clock.Current()).CopyForWrite()
	require.NoError(t, interfering.SetInt(kFieldName, 9))
	require.NoError(t, netTable.Update(ctx, interfering))

	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeStaleUpdate, mperrors.CodeOf(err))
}

func TestConflictConditions(t *testing.T) {
	const workers = 3
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for value := int64(0); value < 10; value++ {
				tx := transaction.NewChunkTransaction(c, peer.Clock)
				revision := peertest.NewIntRevision(t, netTable, model.GenerateId(), kFieldName, value)
				if err := tx.Insert(revision); err != nil {
					continue
				}
				tx.AddConflictCondition(kFieldName, model.Value{Type: model.FieldInt, Int: value})
				// losing the race on a value is expected; lock
				// contention is retried by the lock layer itself
				_ = tx.Commit(ctx)
			}
		}()
	}
	wg.Wait()

	rows := netTable.DumpCache(peer.Clock.Current())
	assert.Len(t, rows, 10, "exactly one row per value")
	seen := make(map[int64]int)
	for _, revision := range rows {
		value, err := revision.GetInt(kFieldName)
		require.NoError(t, err)
		seen[value]++
	}
	for value := int64(0); value < 10; value++ {
		assert.Equal(t, 1, seen[value], "value %d", value)
	}
}

func TestMultiChunkCommitSharesOneCommitTime(t *testing.T) {
	peer, netTable, first := singlePeer(t)
	ctx := peertest.Context(t)
	second, err := netTable.NewChunk(ctx)
	require.NoError(t, err)

	tx := transaction.New(peer.Clock, peer.Metrics)
	firstId := insert(t, tx, netTable, first, 1)
	secondId := insert(t, tx, netTable, second, 2)
	require.NoError(t, tx.Commit(ctx))

	a := netTable.GetById(firstId, peer.Clock.Current())
	b := netTable.GetById(secondId, peer.Clock.Current())
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.InsertTime, b.InsertTime,
		"multi-chunk commit assigns one global commit time")
	assert.Equal(t, first.Id(), a.ChunkId)
	assert.Equal(t, second.Id(), b.ChunkId)
}

func TestMultiCommitReusesTransaction(t *testing.T) {
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	tx := transaction.New(peer.Clock, peer.Metrics)
	firstId := insert(t, tx, netTable, c, 1)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, netTable.CachedItemsSize())

	secondId := insert(t, tx, netTable, c, 2)
	increment(t, tx, netTable, c, firstId)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 2, netTable.CachedItemsSize())

	// a perturbing transaction updates secondId after tx's re-base
	perturber := transaction.New(peer.Clock, peer.Metrics)
	increment(t, perturber, netTable, c, secondId)
	require.NoError(t, perturber.Commit(ctx))

	// the reused transaction still reads at its earlier begin time, so
	// its update of secondId is stale and the commit fails
	staged := tx.GetById(netTable, c, secondId).CopyForWrite()
	require.NoError(t, staged.SetInt(kFieldName, 5))
	require.NoError(t, tx.Update(ctx, netTable, staged))
	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeStaleUpdate, mperrors.CodeOf(err))
}

func TestTransactionMerge(t *testing.T) {
	root := peertest.NewPeer(t)
	a := peertest.NewPeer(t)
	peertest.Connect(root, a)
	ctx := peertest.Context(t)

	rootTable := root.AddIntTable(t, kTableName, table.CRU, kFieldName)
	aTable := a.AddIntTable(t, kTableName, table.CRU, kFieldName)
	rootTable.CreateIndex()
	require.NoError(t, aTable.JoinIndex(ctx, root.Hub.Self()))

	rootChunk, err := rootTable.NewChunk(ctx)
	require.NoError(t, err)

	aId := model.GenerateId()
	bId := model.GenerateId()
	require.NoError(t, rootTable.Insert(ctx, rootChunk,
		peertest.NewIntRevision(t, rootTable, aId, kFieldName, 42)))
	require.NoError(t, rootTable.Insert(ctx, rootChunk,
		peertest.NewIntRevision(t, rootTable, bId, kFieldName, 21)))
	require.Equal(t, 1, rootChunk.RequestParticipation(ctx))

	// ROOT stages increments of both items
	rootTx := transaction.New(root.Clock, root.Metrics)
	increment(t, rootTx, rootTable, rootChunk, aId)
	increment(t, rootTx, rootTable, rootChunk, bId)

	// A increments item a and commits first
	aChunk, err := aTable.GetChunk(ctx, rootChunk.Id())
	require.NoError(t, err)
	aTx := transaction.New(a.Clock, a.Metrics)
	increment(t, aTx, aTable, aChunk, aId)
	require.NoError(t, aTx.Commit(ctx))

	// ROOT's commit now fails on the stale update of a
	require.Error(t, rootTx.Commit(ctx))

	merged, conflicts, err := rootTx.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merged.NumChangedItems())
	require.Len(t, conflicts, 1)
	require.Len(t, conflicts[kTableName], 1)

	conflict := conflicts[kTableName][0]
	ours, err := conflict.Ours.GetInt(kFieldName)
	require.NoError(t, err)
	theirs, err := conflict.Theirs.GetInt(kFieldName)
	require.NoError(t, err)
	assert.Equal(t, int64(43), ours)
	assert.Equal(t, int64(43), theirs)

	// the merged transaction commits against the post state
	require.NoError(t, merged.Commit(ctx))
	value, err := rootTable.GetById(bId, root.Clock.Current()).GetInt(kFieldName)
	require.NoError(t, err)
	assert.Equal(t, int64(22), value)
}

func TestMergeInsertCollisionBecomesConflict(t *testing.T) {
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	collidingId := model.GenerateId()
	tx := transaction.New(peer.Clock, peer.Metrics)
	require.NoError(t, tx.Insert(netTable, c,
		peertest.NewIntRevision(t, netTable, collidingId, kFieldName, 1)))
	freshId := insert(t, tx, netTable, c, 7)

	// a concurrent commit takes the colliding id first
	winner := transaction.New(peer.Clock, peer.Metrics)
	require.NoError(t, winner.Insert(netTable, c,
		peertest.NewIntRevision(t, netTable, collidingId, kFieldName, 9)))
	require.NoError(t, winner.Commit(ctx))

	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeIdCollision, mperrors.CodeOf(err))

	// the merge completes: the collision becomes a conflict, the rest
	// moves into the re-based transaction
	merged, conflicts, err := tx.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merged.NumChangedItems())
	require.Len(t, conflicts[kTableName], 1)

	conflict := conflicts[kTableName][0]
	ours, err := conflict.Ours.GetInt(kFieldName)
	require.NoError(t, err)
	theirs, err := conflict.Theirs.GetInt(kFieldName)
	require.NoError(t, err)
	assert.Equal(t, int64(9), ours)
	assert.Equal(t, int64(1), theirs)

	require.NoError(t, merged.Commit(ctx))
	value, err := netTable.GetById(freshId, peer.Clock.Current()).GetInt(kFieldName)
	require.NoError(t, err)
	assert.Equal(t, int64(7), value)
}

func TestMergeIncompatibleWithConflictConditions(t *testing.T) {
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	tx := transaction.New(peer.Clock, peer.Metrics)
	insert(t, tx, netTable, c, 1)
	tx.AddConflictCondition(netTable, c, kFieldName, model.Value{Type: model.FieldInt, Int: 1})

	_, _, err := tx.Merge(ctx)
	assert.Error(t, err)
}

func TestTandemCommit(t *testing.T) {
	peer, netTable, c := singlePeer(t)
	ctx := peertest.Context(t)

	for i := 0; i < 20; i++ {
		dependee := transaction.New(peer.Clock, peer.Metrics)
		firstId := insert(t, dependee, netTable, c, 1)

		var futures *transaction.CommitFutureTree
		require.True(t, dependee.CommitInParallel(ctx, &futures))

		// finalization: further staging is a programming error
		assert.Panics(t, func() {
			revision := peertest.NewIntRevision(t, netTable, model.GenerateId(), kFieldName, 2)
			_ = dependee.Insert(netTable, c, revision)
		})

		depender := transaction.NewFromFutures(peer.Clock, peer.Metrics, futures)
		assert.NotNil(t, depender.GetById(netTable, c, firstId),
			"depender reads through the speculative view")
		insert(t, depender, netTable, c, 2)

		// committing with attached futures is a programming error
		assert.Panics(t, func() { _ = depender.Commit(ctx) })

		require.True(t, dependee.JoinParallelCommitIfRunning())
		depender.DetachFutures()
		require.NoError(t, depender.Commit(ctx))
	}
	assert.Equal(t, 40, netTable.CachedItemsSize())
}
