package materialize

import (
	"sync"

	"github.com/google/uuid"

	"diaryd/internal/event"
)

// ConflictFunc is notified when a second event claims an already-superseded
// parent. The log keeps both events (append-only); the hook exists so the
// sync layer can surface the divergence instead of silently resolving it.
type ConflictFunc func(parent, existingChild, newChild uuid.UUID)

// Index incrementally maintains the record_id -> latest live event mapping so
// UI refreshes do not rescan the full history. It is invalidated one event at
// a time via Apply, and it defends the single-child supersession invariant
// the storage layer cannot express.
type Index struct {
	mu sync.RWMutex

	// live holds the current event per record id.
	live map[uuid.UUID]*event.Event

	// superseded and deleted record supersession chain state so that
	// out-of-order application (a pulled child before its parent) still
	// converges: a parent arriving after its child never goes live.
	superseded map[uuid.UUID]struct{}
	deleted    map[uuid.UUID]struct{}

	// firstChild tracks the one legitimate child per parent record.
	firstChild map[uuid.UUID]uuid.UUID

	onConflict ConflictFunc
}

// NewIndex returns an empty index. The conflict hook may be nil.
func NewIndex(onConflict ConflictFunc) *Index {
	return &Index{
		live:       make(map[uuid.UUID]*event.Event),
		superseded: make(map[uuid.UUID]struct{}),
		deleted:    make(map[uuid.UUID]struct{}),
		firstChild: make(map[uuid.UUID]uuid.UUID),
		onConflict: onConflict,
	}
}

// Rebuild resets the index from a full history scan.
func (ix *Index) Rebuild(events []*event.Event) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.live = make(map[uuid.UUID]*event.Event)
	ix.superseded = make(map[uuid.UUID]struct{})
	ix.deleted = make(map[uuid.UUID]struct{})
	ix.firstChild = make(map[uuid.UUID]uuid.UUID)

	for _, e := range events {
		ix.applyLocked(e)
	}
}

// Apply folds one newly appended event into the index.
func (ix *Index) Apply(e *event.Event) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.applyLocked(e)
}

func (ix *Index) applyLocked(e *event.Event) {
	if e.ParentRecordID != nil {
		parent := *e.ParentRecordID
		if child, ok := ix.firstChild[parent]; ok && child != e.RecordID {
			if ix.onConflict != nil {
				ix.onConflict(parent, child, e.RecordID)
			}
		} else if !ok {
			ix.firstChild[parent] = e.RecordID
		}
		ix.superseded[parent] = struct{}{}
		delete(ix.live, parent)
		if e.Type() == event.TypeDeleted {
			ix.deleted[parent] = struct{}{}
		}
	}

	if e.Type() == event.TypeDeleted {
		return
	}
	if _, ok := ix.superseded[e.RecordID]; ok {
		return
	}
	if _, ok := ix.deleted[e.RecordID]; ok {
		return
	}
	ix.live[e.RecordID] = e
}

// Records returns the current materialized records in the given order.
func (ix *Index) Records(order Order) []*Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	records := make([]*Record, 0, len(ix.live))
	for _, e := range ix.live {
		records = append(records, newRecord(e))
	}
	sortRecords(records, order)
	return records
}

// Len reports the number of live records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.live)
}
