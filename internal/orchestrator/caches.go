package orchestrator

import (
	"sync"

	"github.com/tracklens/trackaudit/internal/audit"
)

// auditTypeCacheDependencies maps each audit type to the platform caches it
// reads. Starting an audit invalidates exactly these caches and no others:
// clearing an unrelated platform's cache would discard in-flight data another
// audit still depends on.
var auditTypeCacheDependencies = map[audit.Type][]Platform{
	audit.TypeAnalytics: {PlatformAnalytics, PlatformCommerce},
	audit.TypePixel:     {PlatformPixel, PlatformCommerce},
	audit.TypeFeed:      {PlatformFeed, PlatformCommerce},
	audit.TypeSearch:    {PlatformSearch, PlatformCommerce},
}

// CacheDependencies returns the platforms whose caches the audit type reads.
func CacheDependencies(auditType audit.Type) []Platform {
	platforms := auditTypeCacheDependencies[auditType]
	duplicated := make([]Platform, len(platforms))
	copy(duplicated, platforms)
	return duplicated
}

// Cache is an explicit per-platform response cache handed to collaborators.
// Entries never expire on their own; invalidation is an explicit call keyed
// by the audit type's dependency mapping.
type Cache struct {
	platform Platform
	mutex    sync.RWMutex
	entries  map[string]any
}

// NewCache constructs an empty cache for the named platform.
func NewCache(platform Platform) *Cache {
	return &Cache{platform: platform, entries: map[string]any{}}
}

// Platform names the platform the cache belongs to.
func (cache *Cache) Platform() Platform {
	return cache.platform
}

// Get returns the cached value for the key, when present.
func (cache *Cache) Get(cacheKey string) (any, bool) {
	cache.mutex.RLock()
	defer cache.mutex.RUnlock()
	cachedValue, found := cache.entries[cacheKey]
	return cachedValue, found
}

// Set stores a value under the key.
func (cache *Cache) Set(cacheKey string, cachedValue any) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.entries[cacheKey] = cachedValue
}

// Invalidate discards every entry.
func (cache *Cache) Invalidate() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.entries = map[string]any{}
}

// Len reports how many entries the cache currently holds.
func (cache *Cache) Len() int {
	cache.mutex.RLock()
	defer cache.mutex.RUnlock()
	return len(cache.entries)
}

// CacheRegistry owns the per-platform caches and performs selective
// invalidation for an audit type.
type CacheRegistry struct {
	mutex  sync.Mutex
	caches map[Platform]*Cache
}

// NewCacheRegistry constructs an empty registry.
func NewCacheRegistry() *CacheRegistry {
	return &CacheRegistry{caches: map[Platform]*Cache{}}
}

// CacheFor returns the platform's cache, creating it on first use.
func (registry *CacheRegistry) CacheFor(platform Platform) *Cache {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	platformCache, found := registry.caches[platform]
	if !found {
		platformCache = NewCache(platform)
		registry.caches[platform] = platformCache
	}
	return platformCache
}

// InvalidateForAuditType clears exactly the caches the audit type depends on.
func (registry *CacheRegistry) InvalidateForAuditType(auditType audit.Type) []Platform {
	invalidatedPlatforms := CacheDependencies(auditType)
	for _, platform := range invalidatedPlatforms {
		registry.CacheFor(platform).Invalidate()
	}
	return invalidatedPlatforms
}
