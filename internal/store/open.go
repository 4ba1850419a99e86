package store

import (
	"fmt"

	"github.com/ashureev/reqplan/internal/config"
)

// Open returns the repository selected by cfg.Backend.
func Open(cfg config.StorageConfig) (Repository, error) {
	switch cfg.Backend {
	case config.StorageSQLite, "":
		return NewSQLite(cfg.DBPath)
	case config.StorageFile:
		return NewFileStore(cfg.HistoryDir, cfg.PlansDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
