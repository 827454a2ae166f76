// Package cache implements the in-memory nested-map views that back
// get_* reads, grounded on internal/dbsp/state/store.go's mutex-guarded
// Store/Table nesting.
package cache

import (
	"sync"

	"github.com/ariyn/fastpersist/internal/fastpersist/record"
)

// Dated is the dated-mode cache: key -> process_name -> record, plus
// the per-identity version counter that lets version be assigned
// synchronously at store() time (SPEC_FULL.md §3, "Version assignment").
type Dated struct {
	mu       sync.RWMutex
	byKey    map[string]map[string]*record.Dated
	versions map[record.Identity]int64
}

// NewDated returns an empty Dated cache.
func NewDated() *Dated {
	return &Dated{
		byKey:    make(map[string]map[string]*record.Dated),
		versions: make(map[record.Identity]int64),
	}
}

// NextVersion returns the next monotonic version for id, advancing the
// counter. Call this once per store(), before writing the WAL line, so
// the persisted line already carries the correct version.
func (c *Dated) NextVersion(id record.Identity) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[id]++
	return c.versions[id]
}

// ObserveVersion advances the counter for id to at least v, without
// incrementing past it — used when replaying WAL/ColDB rows at startup
// so later live writes continue the sequence instead of restarting it.
func (c *Dated) ObserveVersion(id record.Identity, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.versions[id] {
		c.versions[id] = v
	}
}

// Put installs r as the current value for its identity, replacing
// whatever was there. The replacement happens atomically under the
// write lock, so no reader ever observes a partially-updated record.
func (c *Dated) Put(r record.Dated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inner, ok := c.byKey[r.Key]
	if !ok {
		inner = make(map[string]*record.Dated)
		c.byKey[r.Key] = inner
	}
	cp := r
	inner[r.ProcessName] = &cp
}

// GetKey returns the process_name -> record mapping for key.
func (c *Dated) GetKey(key string) (map[string]*record.Dated, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	out := make(map[string]*record.Dated, len(inner))
	for k, v := range inner {
		cp := *v
		out[k] = &cp
	}
	return out, true
}

// GetKeyProcess returns the single record for (key, processName).
func (c *Dated) GetKeyProcess(key, processName string) (*record.Dated, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	r, ok := inner[processName]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Size returns the total number of cached records, for get_stats().
func (c *Dated) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, inner := range c.byKey {
		n += len(inner)
	}
	return n
}
