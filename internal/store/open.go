package store

import (
	"fmt"

	"github.com/soltixdb/meshcoord/internal/config"
)

// Open builds the backend selected by cfg.Driver
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	case config.StoreBolt:
		return OpenBolt(cfg.Path)
	case config.StorePostgres:
		return OpenPostgres(cfg.DSN, SQLOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			TxRetries:       cfg.TxRetries,
		})
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
