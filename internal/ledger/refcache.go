package ledger

import (
	"container/list"
	"sync"
)

// RefCache is an LRU of recently applied mutation refs. It fronts the durable
// journal so the common duplicate (a sweep retrying a just-settled trade, a
// double-clicked decision) is absorbed without a store round trip. The journal
// remains the authority; a cache miss only costs one conditional insert.
type RefCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type refEntry struct {
	ref string
}

func NewRefCache(capacity int) *RefCache {
	return &RefCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if a ref exists (promotes to front).
func (rc *RefCache) Contains(ref string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	elem, exists := rc.cache[ref]
	if exists {
		rc.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a ref (or promotes if it exists).
func (rc *RefCache) Add(ref string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if elem, exists := rc.cache[ref]; exists {
		rc.lruList.MoveToFront(elem)
		return
	}

	entry := &refEntry{ref: ref}
	elem := rc.lruList.PushFront(entry)
	rc.cache[ref] = elem

	if rc.lruList.Len() > rc.capacity {
		rc.evictOldest()
	}
}

func (rc *RefCache) evictOldest() {
	elem := rc.lruList.Back()
	if elem != nil {
		rc.lruList.Remove(elem)
		entry := elem.Value.(*refEntry)
		delete(rc.cache, entry.ref)
		rc.evictions++
	}
}

// Size returns the current number of entries.
func (rc *RefCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lruList.Len()
}

// Evictions returns total evictions (for metrics).
func (rc *RefCache) Evictions() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.evictions
}
