// Package transaction implements optimistic concurrency over chunks:
// single-chunk transactions, serializable multi-chunk commits, conflict
// detection via logical timestamps and conflict predicates, and
// three-way merge of failed transactions.
package transaction

import (
	"context"

	"github.com/robomesh/mapapi/internal/chunk"
	"github.com/robomesh/mapapi/internal/clock"
	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/model"
	"github.com/robomesh/mapapi/internal/table"
)

// ConflictCondition is a field-equality predicate that must match zero
// existing rows at commit time.
type ConflictCondition struct {
	Field string
	Value model.Value
}

// Conflict reports one update that lost against a concurrent commit.
type Conflict struct {
	// Ours is the revision currently committed.
	Ours *model.Revision
	// Theirs is the revision the failed transaction had staged.
	Theirs *model.Revision
}

// Conflicts collects the conflicts of one table.
type Conflicts []Conflict

// ChunkTransaction stages insertions and updates against one chunk.
type ChunkTransaction struct {
	beginTime model.LogicalTime
	chunk     *chunk.Chunk
	clk       *clock.Logical
	template  *model.Template

	insertions         map[model.Id]*model.Revision
	updates            map[model.Id]*model.Revision
	conflictConditions []ConflictCondition
}

// NewChunkTransaction opens a transaction on one chunk, capturing the
// begin time now.
func NewChunkTransaction(c *chunk.Chunk, clk *clock.Logical) *ChunkTransaction {
	return newChunkTransactionAt(clk.Sample(), c, clk)
}

func newChunkTransactionAt(beginTime model.LogicalTime, c *chunk.Chunk, clk *clock.Logical) *ChunkTransaction {
	return &ChunkTransaction{
		beginTime:  beginTime,
		chunk:      c,
		clk:        clk,
		template:   c.Store().Template(),
		insertions: make(map[model.Id]*model.Revision),
		updates:    make(map[model.Id]*model.Revision),
	}
}

// BeginTime returns the time the transaction was opened at.
func (t *ChunkTransaction) BeginTime() model.LogicalTime { return t.beginTime }

// Chunk returns the chunk this transaction operates on.
func (t *ChunkTransaction) Chunk() *chunk.Chunk { return t.chunk }

// Insert stages a new revision. The id must be fresh within the
// transaction.
func (t *ChunkTransaction) Insert(revision *model.Revision) error {
	if !revision.StructureMatch(t.template) {
		return mperrors.InvalidArgument("bad structure of insert revision", nil)
	}
	if !revision.Id.IsValid() {
		return mperrors.InvalidArgument("insert requires a valid id", nil)
	}
	if _, staged := t.insertions[revision.Id]; staged {
		return mperrors.IdCollision(t.chunk.TableName(), revision.Id.Hex())
	}
	t.insertions[revision.Id] = revision
	return nil
}

// Update stages a new revision of an existing id. The chunk's table
// must be update-capable and the id fresh within the transaction.
func (t *ChunkTransaction) Update(revision *model.Revision) error {
	if t.chunk.Store().Type() != table.CRU {
		return mperrors.TableTypeMismatch(t.chunk.TableName(), "update")
	}
	if !revision.StructureMatch(t.template) {
		return mperrors.InvalidArgument("bad structure of update revision", nil)
	}
	if _, staged := t.updates[revision.Id]; staged {
		return mperrors.IdCollision(t.chunk.TableName(), revision.Id.Hex())
	}
	t.updates[revision.Id] = revision
	return nil
}

// AddConflictCondition registers a predicate that aborts the commit if
// any existing row matches it.
func (t *ChunkTransaction) AddConflictCondition(field string, value model.Value) {
	t.conflictConditions = append(t.conflictConditions, ConflictCondition{Field: field, Value: value})
}

// GetById returns the staged revision if present, otherwise reads the
// chunk at the transaction's begin time under a read lock.
func (t *ChunkTransaction) GetById(id model.Id) *model.Revision {
	if staged := t.getByIdFromUncommitted(id); staged != nil {
		return staged
	}
	return t.chunk.GetById(id, t.beginTime)
}

func (t *ChunkTransaction) getByIdFromUncommitted(id model.Id) *model.Revision {
	if updated, ok := t.updates[id]; ok {
		return updated
	}
	if inserted, ok := t.insertions[id]; ok {
		return inserted
	}
	return nil
}

// DumpChunk returns the chunk contents at the transaction's begin time.
func (t *ChunkTransaction) DumpChunk() map[model.Id]*model.Revision {
	return t.chunk.Dump(t.beginTime)
}

// NumChanges counts staged insertions and updates. Not meaningful
// together with conflict conditions.
func (t *ChunkTransaction) NumChanges() int {
	return len(t.insertions) + len(t.updates)
}

// Commit acquires the chunk's write lock, checks, writes and releases.
func (t *ChunkTransaction) Commit(ctx context.Context) error {
	if err := t.chunk.WriteLock(ctx); err != nil {
		return err
	}
	defer t.chunk.Unlock(ctx)
	if err := t.check(); err != nil {
		return err
	}
	return t.checkedCommit(ctx, t.clk.Sample())
}

// check verifies the optimistic assumptions against the current chunk
// state. The caller holds the distributed write lock.
func (t *ChunkTransaction) check() error {
	stamps := t.prepareCheck()
	for id := range t.insertions {
		if _, exists := stamps[id]; exists {
			return mperrors.IdCollision(t.chunk.TableName(), id.Hex())
		}
	}
	for id := range t.updates {
		if stamps[id] >= t.beginTime {
			return mperrors.StaleUpdate(t.chunk.TableName(), id.Hex())
		}
	}
	sampleTime := t.clk.Current()
	for _, condition := range t.conflictConditions {
		for _, revision := range t.chunk.Store().FindByField(condition.Field, condition.Value, sampleTime) {
			if revision.ChunkId == t.chunk.Id() {
				return mperrors.ConflictMatched(t.chunk.TableName(), condition.Field)
			}
		}
	}
	return nil
}

// prepareCheck maps every id currently in the chunk to its stored
// update time.
func (t *ChunkTransaction) prepareCheck() map[model.Id]model.LogicalTime {
	stamps := make(map[model.Id]model.LogicalTime)
	for id, revision := range t.chunk.Dump(t.clk.Current()) {
		stamps[id] = revision.UpdateTime
	}
	return stamps
}

// checkedCommit writes all staged changes at the given commit time. The
// caller holds the write lock and has run check.
func (t *ChunkTransaction) checkedCommit(ctx context.Context, time model.LogicalTime) error {
	if len(t.insertions) > 0 {
		if err := t.chunk.BulkInsertLocked(ctx, t.insertions, time); err != nil {
			return err
		}
	}
	for _, revision := range t.updates {
		if err := t.chunk.UpdateLocked(ctx, revision, time); err != nil {
			return err
		}
	}
	return nil
}

// reset clears the staged changes and re-bases the begin time, so a
// committed transaction can be reused.
func (t *ChunkTransaction) reset() {
	t.insertions = make(map[model.Id]*model.Revision)
	t.updates = make(map[model.Id]*model.Revision)
	t.conflictConditions = nil
	t.beginTime = t.clk.Sample()
}

// Merge re-bases a failed transaction at the current time: insertions
// and updates that did not lose a race move into the returned
// transaction, changes overtaken by a concurrent commit become
// conflicts. The merge always completes; no staged change can abort
// it. Merging is incompatible with conflict conditions.
func (t *ChunkTransaction) Merge(ctx context.Context) (*ChunkTransaction, Conflicts, error) {
	if len(t.conflictConditions) > 0 {
		return nil, nil, mperrors.InvalidArgument("merge not compatible with conflict conditions", nil)
	}
	merged := newChunkTransactionAt(t.clk.Sample(), t.chunk, t.clk)
	var conflicts Conflicts

	t.chunk.ReadLock()
	defer t.chunk.ReadUnlock()

	stamps := t.prepareCheck()
	for id, revision := range t.insertions {
		if _, exists := stamps[id]; exists {
			// the id landed through a concurrent commit
			conflicts = append(conflicts, Conflict{
				Ours:   t.chunk.Store().GetById(id, t.clk.Current()),
				Theirs: revision,
			})
		} else {
			merged.insertions[id] = revision
		}
	}
	for id, revision := range t.updates {
		if stamps[id] >= t.beginTime {
			conflicts = append(conflicts, Conflict{
				Ours:   t.chunk.Store().GetById(id, t.clk.Current()),
				Theirs: revision,
			})
		} else {
			merged.updates[id] = revision
		}
	}
	return merged, conflicts, nil
}
