package cache

import (
	"testing"

	"github.com/ariyn/fastpersist/internal/fastpersist/record"
)

func TestDated_NextVersion_Monotonic(t *testing.T) {
	c := NewDated()
	id := record.Identity{Key: "k", ProcessName: "p"}
	for i := int64(1); i <= 5; i++ {
		if got := c.NextVersion(id); got != i {
			t.Fatalf("NextVersion call %d: got %d, want %d", i, got, i)
		}
	}
}

func TestDated_PutAndGet(t *testing.T) {
	c := NewDated()
	c.Put(record.Dated{Key: "k", ProcessName: "p", Version: 1})

	r, ok := c.GetKeyProcess("k", "p")
	if !ok || r.Version != 1 {
		t.Fatalf("GetKeyProcess: ok=%v r=%v", ok, r)
	}

	byProcess, ok := c.GetKey("k")
	if !ok || len(byProcess) != 1 {
		t.Fatalf("GetKey: ok=%v byProcess=%v", ok, byProcess)
	}
}

func TestDated_GetKeyProcess_Miss(t *testing.T) {
	c := NewDated()
	if _, ok := c.GetKeyProcess("missing", ""); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestDated_Size(t *testing.T) {
	c := NewDated()
	c.Put(record.Dated{Key: "a", ProcessName: ""})
	c.Put(record.Dated{Key: "a", ProcessName: "p2"})
	c.Put(record.Dated{Key: "b", ProcessName: ""})
	if got := c.Size(); got != 3 {
		t.Fatalf("Size: got %d, want 3", got)
	}
}
