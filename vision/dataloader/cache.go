package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an in-memory LRU of bottleneck vectors keyed by cache file
// path. It sits in front of the on-disk cache.
type CacheManager struct {
	mu      sync.Mutex
	lru     *list.List
	items   map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key    string
	values []float32
}

// NewCacheManager creates a cache holding at most maxSize vectors
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		lru:     list.New(),
		items:   make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves a vector and marks it most recently used
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.items[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).values, true
	}
	cm.misses++
	return nil, false
}

// Put adds a vector, evicting the least recently used ones over capacity
func (cm *CacheManager) Put(key string, values []float32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}
	if elem, ok := cm.items[key]; ok {
		elem.Value.(*cacheEntry).values = values
		cm.lru.MoveToFront(elem)
		return
	}

	cm.items[key] = cm.lru.PushFront(&cacheEntry{key: key, values: values})
	for cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
}

// Remove drops key if present
func (cm *CacheManager) Remove(key string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if elem, ok := cm.items[key]; ok {
		cm.removeElement(elem)
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	cm.lru.Remove(elem)
	delete(cm.items, elem.Value.(*cacheEntry).key)
}

// Clear empties the cache; statistics are cumulative and survive
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lru.Init()
	cm.items = make(map[string]*list.Element)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds in-memory cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
