package audits

import (
	"strings"

	"github.com/tracklens/trackaudit/internal/httpsource"
)

const (
	// StorageBackendSQLite persists sessions in a local SQLite database.
	StorageBackendSQLite = "sqlite"
	// StorageBackendSnapshot persists sessions as a single JSON document.
	StorageBackendSnapshot = "snapshot"

	defaultStorageBackendConstant = StorageBackendSQLite
	defaultSQLitePathConstant     = "trackaudit.db"
	defaultSnapshotPathConstant   = "trackaudit-session.json"

	storageBackendConfigKeySuffixConstant = ".storage.backend"
	storagePathConfigKeySuffixConstant    = ".storage.path"
)

// StorageConfiguration selects and locates the session store backend.
type StorageConfiguration struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// PlatformsConfiguration holds connection settings per platform backend.
type PlatformsConfiguration struct {
	Commerce  httpsource.Configuration `mapstructure:"commerce"`
	Analytics httpsource.Configuration `mapstructure:"analytics"`
	Pixel     httpsource.Configuration `mapstructure:"pixel"`
	Feed      httpsource.Configuration `mapstructure:"feed"`
	Search    httpsource.Configuration `mapstructure:"search"`
}

// CommandConfiguration captures configuration values for the audit commands.
type CommandConfiguration struct {
	Storage   StorageConfiguration   `mapstructure:"storage"`
	Platforms PlatformsConfiguration `mapstructure:"platforms"`
}

// DefaultConfigurationValues exposes defaults keyed under the provided prefix.
func DefaultConfigurationValues(configurationPrefix string) map[string]any {
	return map[string]any{
		configurationPrefix + storageBackendConfigKeySuffixConstant: defaultStorageBackendConstant,
		configurationPrefix + storagePathConfigKeySuffixConstant:    "",
	}
}

// sanitize normalizes configuration values and fills backend-dependent defaults.
func (configuration CommandConfiguration) sanitize() CommandConfiguration {
	sanitized := configuration
	sanitized.Storage.Backend = strings.ToLower(strings.TrimSpace(configuration.Storage.Backend))
	if len(sanitized.Storage.Backend) == 0 {
		sanitized.Storage.Backend = defaultStorageBackendConstant
	}
	sanitized.Storage.Path = strings.TrimSpace(configuration.Storage.Path)
	if len(sanitized.Storage.Path) == 0 {
		switch sanitized.Storage.Backend {
		case StorageBackendSnapshot:
			sanitized.Storage.Path = defaultSnapshotPathConstant
		default:
			sanitized.Storage.Path = defaultSQLitePathConstant
		}
	}
	return sanitized
}
