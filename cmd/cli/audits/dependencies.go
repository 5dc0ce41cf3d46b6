package audits

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	auditrunners "github.com/tracklens/trackaudit/internal/audits"
	"github.com/tracklens/trackaudit/internal/httpsource"
	"github.com/tracklens/trackaudit/internal/orchestrator"
	"github.com/tracklens/trackaudit/internal/progress"
	"github.com/tracklens/trackaudit/internal/session"
	"github.com/tracklens/trackaudit/internal/session/snapshot"
	sqlitestore "github.com/tracklens/trackaudit/internal/session/sqlite"
)

const (
	unsupportedBackendTemplateConstant = "unsupported storage backend: %s"
	openStoreErrorTemplateConstant     = "unable to open session store: %w"
	buildServiceErrorTemplateConstant  = "unable to assemble audit service: %w"
	recoveryMessageConstant            = "recovered interrupted audit results"
	logFieldRecoveredCountConstant     = "recovered_count"
)

// LoggerProvider supplies the logger configured by the root command.
type LoggerProvider func() *zap.Logger

func resolveLogger(loggerProvider LoggerProvider) *zap.Logger {
	if loggerProvider == nil {
		return zap.NewNop()
	}
	logger := loggerProvider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// serviceHandle bundles the assembled audit service with its store cleanup.
type serviceHandle struct {
	service   *orchestrator.Service
	closeFunc func() error
}

func (handle *serviceHandle) Close() error {
	if handle.closeFunc == nil {
		return nil
	}
	return handle.closeFunc()
}

// ServiceResolver assembles the audit service for a command invocation.
// Overridable in tests to substitute stub services.
type ServiceResolver func(executionContext context.Context, configuration CommandConfiguration, logger *zap.Logger) (*serviceHandle, error)

func buildService(executionContext context.Context, configuration CommandConfiguration, logger *zap.Logger) (*serviceHandle, error) {
	sanitizedConfiguration := configuration.sanitize()

	sessionStore, closeFunc, storeError := openSessionStore(executionContext, sanitizedConfiguration.Storage)
	if storeError != nil {
		return nil, fmt.Errorf(openStoreErrorTemplateConstant, storeError)
	}

	cacheRegistry := orchestrator.NewCacheRegistry()
	commerceSource := newPlatformClient(orchestrator.PlatformCommerce, sanitizedConfiguration.Platforms.Commerce, cacheRegistry, logger)
	analyticsSource := newPlatformClient(orchestrator.PlatformAnalytics, sanitizedConfiguration.Platforms.Analytics, cacheRegistry, logger)
	pixelSource := newPlatformClient(orchestrator.PlatformPixel, sanitizedConfiguration.Platforms.Pixel, cacheRegistry, logger)
	feedSource := newPlatformClient(orchestrator.PlatformFeed, sanitizedConfiguration.Platforms.Feed, cacheRegistry, logger)
	searchSource := newPlatformClient(orchestrator.PlatformSearch, sanitizedConfiguration.Platforms.Search, cacheRegistry, logger)

	auditService, serviceError := orchestrator.NewService(orchestrator.Dependencies{
		Logger:      logger,
		Store:       sessionStore,
		Broadcaster: progress.NewLogBroadcaster(logger),
		Caches:      cacheRegistry,
		Runners: []orchestrator.Runner{
			auditrunners.NewAnalyticsRunner(commerceSource, analyticsSource),
			auditrunners.NewPixelRunner(commerceSource, pixelSource),
			auditrunners.NewFeedRunner(commerceSource, feedSource),
			auditrunners.NewSearchRunner(commerceSource, searchSource),
		},
	})
	if serviceError != nil {
		if closeFunc != nil {
			_ = closeFunc()
		}
		return nil, fmt.Errorf(buildServiceErrorTemplateConstant, serviceError)
	}

	// Results left Running or Pending by an interrupted process are closed
	// out before any command touches the store.
	recoveredCount, recoveryError := auditService.CleanupStaleRunningAudits(executionContext)
	if recoveryError != nil {
		if closeFunc != nil {
			_ = closeFunc()
		}
		return nil, recoveryError
	}
	if recoveredCount > 0 {
		logger.Info(recoveryMessageConstant, zap.Int(logFieldRecoveredCountConstant, recoveredCount))
	}

	return &serviceHandle{service: auditService, closeFunc: closeFunc}, nil
}

func openSessionStore(executionContext context.Context, storageConfiguration StorageConfiguration) (session.Store, func() error, error) {
	switch storageConfiguration.Backend {
	case StorageBackendSQLite:
		sqliteStore, openError := sqlitestore.Open(executionContext, storageConfiguration.Path)
		if openError != nil {
			return nil, nil, openError
		}
		return sqliteStore, sqliteStore.Close, nil
	case StorageBackendSnapshot:
		snapshotStore, storeError := snapshot.NewStore(storageConfiguration.Path)
		if storeError != nil {
			return nil, nil, storeError
		}
		return snapshotStore, nil, nil
	default:
		return nil, nil, fmt.Errorf(unsupportedBackendTemplateConstant, storageConfiguration.Backend)
	}
}

func newPlatformClient(platform orchestrator.Platform, configuration httpsource.Configuration, cacheRegistry *orchestrator.CacheRegistry, logger *zap.Logger) *httpsource.Client {
	return httpsource.NewClient(platform, configuration, cacheRegistry.CacheFor(platform), logger)
}
