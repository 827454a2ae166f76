// Package tracker implements ChangeTracker: a thread-safe set of
// collection-mode identities modified since the last storage_latest
// materialization, grounded on original_source/collection_fast_persist.py's
// modified_records set (added to in store(), drained in
// _update_latest_table(), cleared only after a successful upsert).
package tracker

import (
	"sync"

	"github.com/ariyn/fastpersist/internal/fastpersist/record"
)

// ChangeTracker accumulates the set of item identities that have been
// written since the last successful flush to storage_latest.
type ChangeTracker struct {
	mu   sync.Mutex
	seen map[record.ItemIdentity]struct{}
}

// New returns an empty ChangeTracker.
func New() *ChangeTracker {
	return &ChangeTracker{seen: make(map[record.ItemIdentity]struct{})}
}

// Mark records id as modified.
func (t *ChangeTracker) Mark(id record.ItemIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[id] = struct{}{}
}

// Snapshot returns the identities currently marked modified, without
// clearing them. Use this to read what needs flushing.
func (t *ChangeTracker) Snapshot() []record.ItemIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]record.ItemIdentity, 0, len(t.seen))
	for id := range t.seen {
		out = append(out, id)
	}
	return out
}

// Clear removes exactly the given identities from the tracked set. A
// flusher should call this only after the corresponding upsert has
// committed, never before — otherwise a write that lands between
// Snapshot and the upsert commit would be lost from the next flush.
func (t *ChangeTracker) Clear(ids []record.ItemIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.seen, id)
	}
}

// Len reports how many identities are currently pending.
func (t *ChangeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
