// Package table implements single-peer revision storage. A table is
// either insert-only (CR) or update-capable (CRU); the two kinds are one
// type switched by a tag, not separate implementations. CRU tables keep
// the complete history per id, so reads are addressed by (id, time).
package table

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	mperrors "github.com/robomesh/mapapi/internal/errors"
	"github.com/robomesh/mapapi/internal/model"
)

// Type tags a table as insert-only or update-capable.
type Type int

const (
	// CR supports insert and read.
	CR Type = iota
	// CRU additionally supports multi-version update.
	CRU
)

const btreeDegree = 16

// versionedItem is one revision in the (id, update_time) ordered store.
type versionedItem struct {
	id         model.Id
	updateTime model.LogicalTime
	revision   *model.Revision
}

func lessVersioned(a, b *versionedItem) bool {
	if cmp := bytes.Compare(a.id[:], b.id[:]); cmp != 0 {
		return cmp < 0
	}
	return a.updateTime < b.updateTime
}

// Table is the local store of one table's revisions (or, on a chunk
// holder, of the chunk's subset). All access is guarded by one
// reader/writer mutex; revisions handed out are the stored instances
// and must not be mutated. Use CopyForWrite for staging.
type Table struct {
	name     string
	typ      Type
	template *model.Template
	linked   bool

	mu        sync.RWMutex
	revisions *btree.BTreeG[*versionedItem]
}

// New creates an empty table. linked enables previous/next revision
// chaining on CRU tables.
func New(typ Type, template *model.Template, linked bool) *Table {
	return &Table{
		name:      template.TableName,
		typ:       typ,
		template:  template,
		linked:    linked && typ == CRU,
		revisions: btree.NewG(btreeDegree, lessVersioned),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Type returns the table kind.
func (t *Table) Type() Type { return t.typ }

// Template returns the field layout.
func (t *Table) Template() *model.Template { return t.template }

// Insert stores a new revision at the given time. The id must be fresh.
func (t *Table) Insert(revision *model.Revision, time model.LogicalTime) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(revision, time)
}

// BulkInsert stores a batch of new revisions atomically at one time.
func (t *Table) BulkInsert(revisions map[model.Id]*model.Revision, time model.LogicalTime) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range revisions {
		if _, ok := t.latestLocked(id); ok {
			return mperrors.IdCollision(t.name, id.Hex())
		}
	}
	for _, revision := range revisions {
		if err := t.insertLocked(revision, time); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) insertLocked(revision *model.Revision, time model.LogicalTime) error {
	if !revision.StructureMatch(t.template) {
		return mperrors.InvalidArgument("bad structure of insert revision", nil)
	}
	if !revision.Id.IsValid() {
		return mperrors.InvalidArgument("attempted to insert revision with invalid id", nil)
	}
	if _, ok := t.latestLocked(revision.Id); ok {
		return mperrors.IdCollision(t.name, revision.Id.Hex())
	}
	stored := revision.CopyForWrite()
	stored.InsertTime = time
	stored.UpdateTime = time
	if t.linked {
		stored.PreviousTime = model.InvalidTime
		stored.NextTime = model.InvalidTime
	}
	t.revisions.ReplaceOrInsert(&versionedItem{
		id: stored.Id, updateTime: time, revision: stored,
	})
	return nil
}

// InstallCommitted stores a revision exactly as received from a chunk
// peer, preserving its timestamps. State transfers and replicated
// writes use it.
func (t *Table) InstallCommitted(revision *model.Revision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stored := revision.CopyForWrite()
	stored.UpdateTime = revision.UpdateTime
	t.revisions.ReplaceOrInsert(&versionedItem{
		id: stored.Id, updateTime: stored.UpdateTime, revision: stored,
	})
}

// Update appends a new revision of an existing id at the given time.
// CRU only; the time must be strictly greater than the stored one.
func (t *Table) Update(revision *model.Revision, time model.LogicalTime) error {
	if t.typ != CRU {
		return mperrors.TableTypeMismatch(t.name, "update")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !revision.StructureMatch(t.template) {
		return mperrors.InvalidArgument("bad structure of update revision", nil)
	}
	if !revision.Id.IsValid() {
		return mperrors.InvalidArgument("attempted to update revision with invalid id", nil)
	}
	current, ok := t.latestLocked(revision.Id)
	if !ok {
		return mperrors.NotFound(t.name, revision.Id.Hex())
	}
	if time <= current.updateTime {
		return mperrors.StaleUpdate(t.name, revision.Id.Hex())
	}

	stored := revision.CopyForWrite()
	stored.InsertTime = current.revision.InsertTime
	stored.UpdateTime = time
	if t.linked {
		stored.PreviousTime = current.updateTime
		stored.NextTime = model.InvalidTime
		current.revision.NextTime = time
	}
	t.revisions.ReplaceOrInsert(&versionedItem{
		id: stored.Id, updateTime: time, revision: stored,
	})
	return nil
}

// GetById returns the latest revision of id with update_time <= time,
// or nil if the id is unknown or was inserted later.
func (t *Table) GetById(id model.Id, time model.LogicalTime) *model.Revision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getByIdLocked(id, time)
}

func (t *Table) getByIdLocked(id model.Id, time model.LogicalTime) *model.Revision {
	var result *model.Revision
	pivot := &versionedItem{id: id, updateTime: time}
	t.revisions.DescendLessOrEqual(pivot, func(item *versionedItem) bool {
		if item.id != id {
			return false
		}
		result = item.revision
		return false
	})
	return result
}

// LatestUpdateTime returns the stored update time of id.
func (t *Table) LatestUpdateTime(id model.Id) (model.LogicalTime, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.latestLocked(id)
	if !ok {
		return model.InvalidTime, false
	}
	return item.updateTime, true
}

func (t *Table) latestLocked(id model.Id) (*versionedItem, bool) {
	var result *versionedItem
	pivot := &versionedItem{id: id, updateTime: ^model.LogicalTime(0)}
	t.revisions.DescendLessOrEqual(pivot, func(item *versionedItem) bool {
		if item.id == id {
			result = item
		}
		return false
	})
	return result, result != nil
}

// FindByField returns every id whose latest revision at time has the
// given field value.
func (t *Table) FindByField(field string, value model.Value, time model.LogicalTime) map[model.Id]*model.Revision {
	result := make(map[model.Id]*model.Revision)
	for id, revision := range t.Dump(time) {
		if revision.Verify(field, value) {
			result[id] = revision
		}
	}
	return result
}

// Dump returns the latest revision at time for every id present then.
func (t *Table) Dump(time model.LogicalTime) map[model.Id]*model.Revision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make(map[model.Id]*model.Revision)
	t.revisions.Ascend(func(item *versionedItem) bool {
		if item.updateTime <= time {
			result[item.id] = item.revision
		}
		return true
	})
	return result
}

// History returns all revisions of id in ascending update-time order.
func (t *Table) History(id model.Id) []*model.Revision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var history []*model.Revision
	pivot := &versionedItem{id: id, updateTime: 0}
	t.revisions.AscendGreaterOrEqual(pivot, func(item *versionedItem) bool {
		if item.id != id {
			return false
		}
		history = append(history, item.revision)
		return true
	})
	return history
}

// Count returns the number of distinct ids present at time.
func (t *Table) Count(time model.LogicalTime) int {
	return len(t.Dump(time))
}
