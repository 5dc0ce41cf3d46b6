package orchestrator_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracklens/trackaudit/internal/audit"
	"github.com/tracklens/trackaudit/internal/orchestrator"
)

func TestCacheDependencies(testInstance *testing.T) {
	testCases := []struct {
		name              string
		auditType         audit.Type
		expectedPlatforms []orchestrator.Platform
	}{
		{
			name:              "analytics_invalidates_analytics_and_commerce",
			auditType:         audit.TypeAnalytics,
			expectedPlatforms: []orchestrator.Platform{orchestrator.PlatformAnalytics, orchestrator.PlatformCommerce},
		},
		{
			name:              "pixel_invalidates_pixel_and_commerce",
			auditType:         audit.TypePixel,
			expectedPlatforms: []orchestrator.Platform{orchestrator.PlatformPixel, orchestrator.PlatformCommerce},
		},
		{
			name:              "feed_invalidates_feed_and_commerce",
			auditType:         audit.TypeFeed,
			expectedPlatforms: []orchestrator.Platform{orchestrator.PlatformFeed, orchestrator.PlatformCommerce},
		},
		{
			name:              "search_invalidates_search_and_commerce",
			auditType:         audit.TypeSearch,
			expectedPlatforms: []orchestrator.Platform{orchestrator.PlatformSearch, orchestrator.PlatformCommerce},
		},
		{
			name:      "unknown_type_has_no_dependencies",
			auditType: audit.Type("inventory"),
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(subtestInstance *testing.T) {
			dependentPlatforms := orchestrator.CacheDependencies(testCase.auditType)
			if len(testCase.expectedPlatforms) == 0 {
				require.Empty(subtestInstance, dependentPlatforms)
				return
			}
			require.Equal(subtestInstance, testCase.expectedPlatforms, dependentPlatforms)
		})
	}
}

func TestCacheRegistryInvalidateForAuditType(testInstance *testing.T) {
	registry := orchestrator.NewCacheRegistry()
	registry.CacheFor(orchestrator.PlatformPixel).Set("identifiers:catalog_items", []string{"shoes"})
	registry.CacheFor(orchestrator.PlatformCommerce).Set("identifiers:product_handles", []string{"shoes", "bags"})
	registry.CacheFor(orchestrator.PlatformFeed).Set("identifiers:feed_items", []string{"shoes"})

	invalidatedPlatforms := registry.InvalidateForAuditType(audit.TypePixel)
	require.Equal(testInstance, []orchestrator.Platform{orchestrator.PlatformPixel, orchestrator.PlatformCommerce}, invalidatedPlatforms)

	require.Zero(testInstance, registry.CacheFor(orchestrator.PlatformPixel).Len())
	require.Zero(testInstance, registry.CacheFor(orchestrator.PlatformCommerce).Len())
	require.Equal(testInstance, 1, registry.CacheFor(orchestrator.PlatformFeed).Len())
}

func TestCacheGetSetInvalidate(testInstance *testing.T) {
	registry := orchestrator.NewCacheRegistry()
	platformCache := registry.CacheFor(orchestrator.PlatformAnalytics)

	_, found := platformCache.Get("count:orders:30")
	require.False(testInstance, found)

	platformCache.Set("count:orders:30", 120)
	cachedValue, found := platformCache.Get("count:orders:30")
	require.True(testInstance, found)
	require.Equal(testInstance, 120, cachedValue)

	platformCache.Invalidate()
	_, found = platformCache.Get("count:orders:30")
	require.False(testInstance, found)
	require.Same(testInstance, platformCache, registry.CacheFor(orchestrator.PlatformAnalytics))
}
