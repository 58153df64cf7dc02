package stores

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"docs-collab-server/config"
	"docs-collab-server/core"
	"docs-collab-server/stores/memory"
	"docs-collab-server/stores/sqlite"
)

// GetStore selects the storage collaborator named by cfg.StorageType.
func GetStore(cfg config.Config) (core.Store, error) {
	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	var (
		store core.Store
		err   error
	)
	switch cfg.StorageType {
	case "sqlite":
		if cfg.DataSourceName == "" {
			return nil, fmt.Errorf("DATA_SOURCE_NAME is required for sqlite storage")
		}
		if !sqlite.CGOEnabled {
			return nil, fmt.Errorf("sqlite storage requires a cgo-enabled build")
		}
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName)
		if err != nil {
			return nil, err
		}
	case "memory", "":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
