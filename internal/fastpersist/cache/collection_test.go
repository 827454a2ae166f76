package cache

import (
	"testing"

	"github.com/ariyn/fastpersist/internal/fastpersist/record"
)

func TestCollection_LazyLoadFlag(t *testing.T) {
	c := NewCollection()
	if c.IsCollectionLoaded("k", "c") {
		t.Fatalf("expected not loaded initially")
	}
	c.MarkCollectionLoaded("k", "c")
	if !c.IsCollectionLoaded("k", "c") {
		t.Fatalf("expected loaded after MarkCollectionLoaded")
	}
	// Marking as loaded with nothing in it still yields a "found, empty" view.
	items, ok := c.GetKeyCollection("k", "c")
	if !ok || len(items) != 0 {
		t.Fatalf("GetKeyCollection: ok=%v items=%v", ok, items)
	}
}

func TestCollection_PutAndGetItem(t *testing.T) {
	c := NewCollection()
	c.Put(record.CollectionItem{Key: "k", CollectionName: "c", ItemName: "i", Version: 1})

	r, ok := c.GetItem("k", "c", "i")
	if !ok || r.Version != 1 {
		t.Fatalf("GetItem: ok=%v r=%v", ok, r)
	}
}

func TestCollection_NextVersion_PerIdentity(t *testing.T) {
	c := NewCollection()
	id1 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i1"}
	id2 := record.ItemIdentity{Key: "k", CollectionName: "c", ItemName: "i2"}

	if v := c.NextVersion(id1); v != 1 {
		t.Fatalf("id1 first version: got %d", v)
	}
	if v := c.NextVersion(id1); v != 2 {
		t.Fatalf("id1 second version: got %d", v)
	}
	if v := c.NextVersion(id2); v != 1 {
		t.Fatalf("id2 first version: got %d (expected independent counters)", v)
	}
}
