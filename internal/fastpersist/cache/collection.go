package cache

import (
	"sync"

	"github.com/ariyn/fastpersist/internal/fastpersist/record"
)

type collectionKey struct {
	key, collection string
}

// Collection is the collection-mode cache: key -> collection_name ->
// item_name -> record, plus a per-collection "already loaded" flag so
// the lazy-load-from-storage_latest path (SPEC_FULL.md §4.F) only runs
// once per collection per process lifetime.
type Collection struct {
	mu       sync.RWMutex
	byKey    map[string]map[string]map[string]*record.CollectionItem
	versions map[record.ItemIdentity]int64
	loaded   map[collectionKey]bool
}

// NewCollection returns an empty Collection cache.
func NewCollection() *Collection {
	return &Collection{
		byKey:    make(map[string]map[string]map[string]*record.CollectionItem),
		versions: make(map[record.ItemIdentity]int64),
		loaded:   make(map[collectionKey]bool),
	}
}

// NextVersion returns the next monotonic version for id.
func (c *Collection) NextVersion(id record.ItemIdentity) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[id]++
	return c.versions[id]
}

// ObserveVersion advances id's counter to at least v.
func (c *Collection) ObserveVersion(id record.ItemIdentity, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.versions[id] {
		c.versions[id] = v
	}
}

// IsCollectionLoaded reports whether (key, collection) has already been
// lazily loaded from storage_latest.
func (c *Collection) IsCollectionLoaded(key, collection string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded[collectionKey{key, collection}]
}

// MarkCollectionLoaded records that (key, collection) has been loaded,
// even if the load found nothing (an empty collection still counts as
// loaded, so a subsequent miss doesn't re-query storage_latest).
func (c *Collection) MarkCollectionLoaded(key, collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded[collectionKey{key, collection}] = true
	if _, ok := c.byKey[key]; !ok {
		c.byKey[key] = make(map[string]map[string]*record.CollectionItem)
	}
	if _, ok := c.byKey[key][collection]; !ok {
		c.byKey[key][collection] = make(map[string]*record.CollectionItem)
	}
}

// Put installs r as the current value for its identity.
func (c *Collection) Put(r record.CollectionItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inner, ok := c.byKey[r.Key]
	if !ok {
		inner = make(map[string]map[string]*record.CollectionItem)
		c.byKey[r.Key] = inner
	}
	items, ok := inner[r.CollectionName]
	if !ok {
		items = make(map[string]*record.CollectionItem)
		inner[r.CollectionName] = items
	}
	cp := r
	items[r.ItemName] = &cp
}

// GetKey returns the full collection_name -> item_name -> record view for key.
func (c *Collection) GetKey(key string) (map[string]map[string]*record.CollectionItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	out := make(map[string]map[string]*record.CollectionItem, len(inner))
	for coll, items := range inner {
		copied := make(map[string]*record.CollectionItem, len(items))
		for item, r := range items {
			cp := *r
			copied[item] = &cp
		}
		out[coll] = copied
	}
	return out, true
}

// GetKeyCollection returns the item_name -> record view restricted to
// one collection. This is the Go-idiomatic split of the original's
// overloaded get_key(key, collection_name?) — see SPEC_FULL.md §4.F.
func (c *Collection) GetKeyCollection(key, collection string) (map[string]*record.CollectionItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	items, ok := inner[collection]
	if !ok {
		return nil, false
	}
	out := make(map[string]*record.CollectionItem, len(items))
	for item, r := range items {
		cp := *r
		out[item] = &cp
	}
	return out, true
}

// GetItem returns the single record for (key, collection, item).
func (c *Collection) GetItem(key, collection, item string) (*record.CollectionItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	items, ok := inner[collection]
	if !ok {
		return nil, false
	}
	r, ok := items[item]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Size returns the total number of cached items, for get_stats().
func (c *Collection) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, coll := range c.byKey {
		for _, items := range coll {
			n += len(items)
		}
	}
	return n
}
