package transaction

import (
	"context"

	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/nettable"
)

// CommitFutureTree is the speculative view exposed by an in-flight
// parallel commit: the id-to-staged-revision mappings of the committing
// transaction, readable by a dependent transaction until the commit is
// joined and the view detached.
type CommitFutureTree struct {
	staged map[*nettable.NetTable]map[model.Id]*model.Revision
}

func (f *CommitFutureTree) getById(table *nettable.NetTable, id model.Id) *model.Revision {
	if f.staged == nil {
		return nil
	}
	perTable, ok := f.staged[table]
	if !ok {
		return nil
	}
	return perTable[id]
}

// CommitInParallel finalizes the transaction and starts its commit in
// the background, exposing the staged changes as a CommitFutureTree. A
// dependent transaction constructed from the tree reads the staged
// revisions as if committed; it must join this commit and detach the
// tree before its own commit. Returns false if the transaction cannot
// be finalized.
func (t *Transaction) CommitInParallel(ctx context.Context, futures **CommitFutureTree) bool {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return false
	}
	t.finalized = true
	tree := &CommitFutureTree{
		staged: make(map[*nettable.NetTable]map[model.Id]*model.Revision),
	}
	for table, perTable := range t.staged {
		view := make(map[model.Id]*model.Revision)
		for _, chunkTx := range perTable {
			for id, revision := range chunkTx.insertions {
				view[id] = revision
			}
			for id, revision := range chunkTx.updates {
				view[id] = revision
			}
		}
		tree.staged[table] = view
	}
	ordered := t.orderedChunkTransactions()
	t.parallelDone = make(chan struct{})
	t.mu.Unlock()

	*futures = tree

	go func() {
		defer close(t.parallelDone)
		if err := t.commitOrdered(ctx, ordered); err == nil {
			t.parallelOk = true
			t.metrics.TransactionCommitsTotal.Inc()
		}
	}()
	return true
}

// JoinParallelCommitIfRunning blocks until the background commit
// finished, reporting its outcome. Returns true when no parallel
// commit was started.
func (t *Transaction) JoinParallelCommitIfRunning() bool {
	t.mu.Lock()
	done := t.parallelDone
	t.mu.Unlock()
	if done == nil {
		return true
	}
	<-done
	return t.parallelOk
}

// DetachFutures transitions a dependent transaction's view from
// speculative to real. The parallel commit must have completed.
func (t *Transaction) DetachFutures() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
}
