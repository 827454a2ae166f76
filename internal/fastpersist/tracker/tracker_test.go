package tracker

import (
	"testing"

	"github.com/ariyn/fastpersist/internal/fastpersist/record"
)

func TestChangeTracker_MarkAndSnapshot(t *testing.T) {
	tr := New()
	id1 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i1"}
	id2 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i2"}

	tr.Mark(id1)
	tr.Mark(id2)
	tr.Mark(id1) // duplicate mark must not double-count

	if got := tr.Len(); got != 2 {
		t.Fatalf("Len: got %d, want 2", got)
	}

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot length: got %d, want 2", len(snap))
	}
	if got := tr.Len(); got != 2 {
		t.Fatalf("Snapshot must not clear: Len got %d, want 2", got)
	}
}

func TestChangeTracker_ClearOnlyGivenIDs(t *testing.T) {
	tr := New()
	id1 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i1"}
	id2 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i2"}
	tr.Mark(id1)
	tr.Mark(id2)

	tr.Clear([]record.ItemIdentity{id1})
	if got := tr.Len(); got != 1 {
		t.Fatalf("Len after partial clear: got %d, want 1", got)
	}

	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0] != id2 {
		t.Fatalf("remaining snapshot: got %v, want [%v]", snap, id2)
	}
}

func TestChangeTracker_ClearDuringConcurrentMark(t *testing.T) {
	tr := New()
	id1 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i1"}
	tr.Mark(id1)

	snap := tr.Snapshot()
	// A write lands for a different identity after the snapshot was taken.
	id2 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i2"}
	tr.Mark(id2)

	tr.Clear(snap)
	if tr.Len() != 1 {
		t.Fatalf("expected id2 to survive the clear of id1's snapshot, got len %d", tr.Len())
	}
}
