package core

import (
	"elogbook/internal/infra/persistence/file"
	"elogbook/internal/infra/persistence/memory"
	"elogbook/internal/infra/persistence/postgres"
	"elogbook/internal/infra/persistence/sqlite"
	"fmt"
	"io"
	"os"
	"strconv"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageFile     StorageDriver = "file"     // journal + snapshot directory
)

// StorageConfig selects and parameterizes a backend.
type StorageConfig struct {
	Driver       StorageDriver
	SQLitePath   string
	PostgresDSN  string
	FileDir      string
	CompactEvery int
}

// StorageConfigFromEnv reads the backend selection from the environment.
//
//	ELOGBOOK_STORAGE_DRIVER: memory|sqlite|postgres|file (default sqlite)
//	ELOGBOOK_SQLITE_PATH: path to sqlite file (default ./elogbook.db)
//	ELOGBOOK_POSTGRES_DSN: postgres DSN when driver=postgres
//	ELOGBOOK_FILE_DIR: data directory when driver=file
//	ELOGBOOK_FILE_COMPACT_EVERY: journal units between snapshots
func StorageConfigFromEnv() StorageConfig {
	cfg := StorageConfig{
		Driver:      StorageDriver(os.Getenv("ELOGBOOK_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("ELOGBOOK_SQLITE_PATH"),
		PostgresDSN: os.Getenv("ELOGBOOK_POSTGRES_DSN"),
		FileDir:     os.Getenv("ELOGBOOK_FILE_DIR"),
	}
	if n, err := strconv.Atoi(os.Getenv("ELOGBOOK_FILE_COMPACT_EVERY")); err == nil {
		cfg.CompactEvery = n
	}
	return cfg
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, io.Closer, error) {
	return OpenStore(StorageConfigFromEnv(), engine)
}

// OpenStore opens the configured backend. On success the returned closer
// releases the backend's handles.
func OpenStore(cfg StorageConfig, engine *RulesEngine) (PersistentStore, io.Closer, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nopCloser{}, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(cfg.PostgresDSN, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StorageFile:
		store, err := file.NewStore(cfg.FileDir, cfg.CompactEvery, engine)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
