package transaction

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/robomesh/mapapi/internal/chunk"
	"github.com/robomesh/mapapi/internal/clock"
	"github.com/robomesh/mapapi/internal/metrics"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/nettable"
)

// ConflictMap collects merge conflicts per table.
type ConflictMap map[string]Conflicts

// Transaction stages changes across any number of (table, chunk) pairs
// and commits them serializably: all touched chunks are locked in
// ascending chunk id order, checked, written with one global commit
// time and released in reverse order.
type Transaction struct {
	beginTime model.LogicalTime
	clk       *clock.Logical
	metrics   *metrics.Metrics

	mu     sync.Mutex
	staged map[*nettable.NetTable]map[model.Id]*ChunkTransaction

	finalized bool

	// futures of a preceding parallel commit this transaction depends
	// on; reads go through them until detached.
	futures  *CommitFutureTree
	detached bool

	parallelDone chan struct{}
	parallelOk   bool
}

// New opens a transaction, capturing the begin time now.
func New(clk *clock.Logical, m *metrics.Metrics) *Transaction {
	return &Transaction{
		beginTime: clk.Sample(),
		clk:       clk,
		metrics:   m,
		staged:    make(map[*nettable.NetTable]map[model.Id]*ChunkTransaction),
	}
}

// NewFromFutures opens a transaction that reads through the speculative
// view of an in-flight parallel commit. The futures must be joined and
// detached before this transaction commits.
func NewFromFutures(clk *clock.Logical, m *metrics.Metrics, futures *CommitFutureTree) *Transaction {
	t := New(clk, m)
	t.futures = futures
	return t
}

// BeginTime returns the transaction's begin time.
func (t *Transaction) BeginTime() model.LogicalTime { return t.beginTime }

// chunkTransaction lazily opens the per-chunk staging buffer.
func (t *Transaction) chunkTransaction(table *nettable.NetTable, c *chunk.Chunk) *ChunkTransaction {
	perTable, ok := t.staged[table]
	if !ok {
		perTable = make(map[model.Id]*ChunkTransaction)
		t.staged[table] = perTable
	}
	chunkTx, ok := perTable[c.Id()]
	if !ok {
		chunkTx = newChunkTransactionAt(t.beginTime, c, t.clk)
		perTable[c.Id()] = chunkTx
	}
	return chunkTx
}

// ensureOpen aborts on use of a finalized transaction; modifying a
// transaction whose parallel commit is running is a programming error.
func (t *Transaction) ensureOpen() {
	if t.finalized {
		panic("transaction is finalized")
	}
}

// Insert stages a revision for insertion into the given chunk.
func (t *Transaction) Insert(table *nettable.NetTable, c *chunk.Chunk, revision *model.Revision) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureOpen()
	return t.chunkTransaction(table, c).Insert(revision)
}

// Update stages a revision update; the revision's chunk id routes it.
func (t *Transaction) Update(ctx context.Context, table *nettable.NetTable, revision *model.Revision) error {
	c, err := table.GetChunk(ctx, revision.ChunkId)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureOpen()
	return t.chunkTransaction(table, c).Update(revision)
}

// AddConflictCondition registers a commit-aborting predicate on one
// chunk.
func (t *Transaction) AddConflictCondition(table *nettable.NetTable, c *chunk.Chunk, field string, value model.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureOpen()
	t.chunkTransaction(table, c).AddConflictCondition(field, value)
}

// GetById reads an item: the speculative view of attached futures takes
// precedence, then this transaction's staging, then the chunk at begin
// time.
func (t *Transaction) GetById(table *nettable.NetTable, c *chunk.Chunk, id model.Id) *model.Revision {
	t.mu.Lock()
	if t.futures != nil && !t.detached {
		if revision := t.futures.getById(table, id); revision != nil {
			t.mu.Unlock()
			return revision
		}
	}
	chunkTx := t.chunkTransaction(table, c)
	t.mu.Unlock()
	return chunkTx.GetById(id)
}

// DumpChunk returns a chunk's content at the transaction's begin time.
func (t *Transaction) DumpChunk(table *nettable.NetTable, c *chunk.Chunk) map[model.Id]*model.Revision {
	t.mu.Lock()
	chunkTx := t.chunkTransaction(table, c)
	t.mu.Unlock()
	return chunkTx.DumpChunk()
}

// NumChangedItems counts all staged changes.
func (t *Transaction) NumChangedItems() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, perTable := range t.staged {
		for _, chunkTx := range perTable {
			count += chunkTx.NumChanges()
		}
	}
	return count
}

// orderedChunkTransactions returns all staged chunk transactions in
// ascending chunk id order, the deterministic lock order preventing
// distributed deadlock.
func (t *Transaction) orderedChunkTransactions() []*ChunkTransaction {
	var ordered []*ChunkTransaction
	for _, perTable := range t.staged {
		for _, chunkTx := range perTable {
			ordered = append(ordered, chunkTx)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].chunk.Id(), ordered[j].chunk.Id()
		if cmp := bytes.Compare(a[:], b[:]); cmp != 0 {
			return cmp < 0
		}
		return ordered[i].chunk.TableName() < ordered[j].chunk.TableName()
	})
	return ordered
}

// Commit runs the two-phase acquire over all touched chunks. On
// success the transaction re-bases and can stage further changes; on
// failure the state is unchanged and the error reports the first
// violated check.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		panic("transaction is finalized")
	}
	if t.futures != nil && !t.detached {
		t.mu.Unlock()
		panic("commit with attached futures: join the parallel commit and detach first")
	}
	ordered := t.orderedChunkTransactions()
	t.mu.Unlock()

	if err := t.commitOrdered(ctx, ordered); err != nil {
		return err
	}

	t.mu.Lock()
	for _, perTable := range t.staged {
		for _, chunkTx := range perTable {
			chunkTx.reset()
		}
	}
	t.beginTime = t.clk.Sample()
	t.mu.Unlock()
	t.metrics.TransactionCommitsTotal.Inc()
	return nil
}

func (t *Transaction) commitOrdered(ctx context.Context, ordered []*ChunkTransaction) error {
	// lock phase
	locked := make([]*ChunkTransaction, 0, len(ordered))
	unlockAll := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].chunk.Unlock(ctx)
		}
	}
	for _, chunkTx := range ordered {
		if err := chunkTx.chunk.WriteLock(ctx); err != nil {
			unlockAll()
			t.metrics.TransactionAbortsTotal.WithLabelValues("lock").Inc()
			return err
		}
		locked = append(locked, chunkTx)
	}

	// check phase
	for _, chunkTx := range ordered {
		if err := chunkTx.check(); err != nil {
			unlockAll()
			t.metrics.TransactionAbortsTotal.WithLabelValues("check").Inc()
			return err
		}
	}

	// write phase: one global commit time
	commitTime := t.clk.Sample()
	for _, chunkTx := range ordered {
		if err := chunkTx.checkedCommit(ctx, commitTime); err != nil {
			unlockAll()
			t.metrics.TransactionAbortsTotal.WithLabelValues("write").Inc()
			return err
		}
	}

	// release phase, reverse order
	unlockAll()
	return nil
}

// Merge builds a new transaction from a failed one, re-based at the
// current time, reporting updates lost to concurrent commits as
// conflicts per table.
func (t *Transaction) Merge(ctx context.Context) (*Transaction, ConflictMap, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := &Transaction{
		beginTime: t.clk.Sample(),
		clk:       t.clk,
		metrics:   t.metrics,
		staged:    make(map[*nettable.NetTable]map[model.Id]*ChunkTransaction),
	}
	conflicts := make(ConflictMap)

	for table, perTable := range t.staged {
		for chunkId, chunkTx := range perTable {
			mergedChunkTx, chunkConflicts, err := chunkTx.Merge(ctx)
			if err != nil {
				return nil, nil, err
			}
			if mergedChunkTx.NumChanges() > 0 {
				if merged.staged[table] == nil {
					merged.staged[table] = make(map[model.Id]*ChunkTransaction)
				}
				merged.staged[table][chunkId] = mergedChunkTx
			}
			if len(chunkConflicts) > 0 {
				conflicts[table.Name()] = append(conflicts[table.Name()], chunkConflicts...)
			}
		}
	}
	t.metrics.TransactionMergesTotal.Inc()
	return merged, conflicts, nil
}
