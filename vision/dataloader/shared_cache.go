package dataloader

import (
	"sync"
)

// SharedCacheManager hands out in-memory bottleneck caches by name so every
// BottleneckCache over the same cache root shares one LRU
type SharedCacheManager struct {
	mu     sync.RWMutex
	caches map[string]*CacheManager
}

var (
	globalSharedCache *SharedCacheManager
	sharedCacheOnce   sync.Once
)

// GetGlobalSharedCache returns the process-wide shared cache manager
func GetGlobalSharedCache() *SharedCacheManager {
	sharedCacheOnce.Do(func() {
		globalSharedCache = NewSharedCacheManager()
	})
	return globalSharedCache
}

// NewSharedCacheManager creates an empty registry
func NewSharedCacheManager() *SharedCacheManager {
	return &SharedCacheManager{caches: make(map[string]*CacheManager)}
}

// GetOrCreateCache returns the cache registered under name, creating it
// with maxSize when absent. An existing cache keeps its original size.
func (scm *SharedCacheManager) GetOrCreateCache(name string, maxSize int) *CacheManager {
	scm.mu.RLock()
	cache, ok := scm.caches[name]
	scm.mu.RUnlock()
	if ok {
		return cache
	}

	scm.mu.Lock()
	defer scm.mu.Unlock()
	if cache, ok := scm.caches[name]; ok {
		return cache
	}
	cache = NewCacheManager(maxSize)
	scm.caches[name] = cache
	return cache
}

// RemoveCache removes a cache by name
func (scm *SharedCacheManager) RemoveCache(name string) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	delete(scm.caches, name)
}

// ClearAllCaches clears all managed caches
func (scm *SharedCacheManager) ClearAllCaches() {
	scm.mu.RLock()
	defer scm.mu.RUnlock()
	for _, cache := range scm.caches {
		cache.Clear()
	}
}

// Len returns the number of registered caches
func (scm *SharedCacheManager) Len() int {
	scm.mu.RLock()
	defer scm.mu.RUnlock()
	return len(scm.caches)
}
