package database

import (
	"fmt"

	"dwarf-go/internal/config"
	"dwarf-go/internal/dwarf"
)

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, logger dwarf.Logger) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite database")
		}
		return NewSQLiteDatabase(cfg.Path, nil, nil, logger)
	case "memory":
		return NewSQLiteDatabase(":memory:", nil, nil, logger)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
