package core

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	cases := []StorageConfig{
		{Driver: StorageMemory},
		{Driver: StorageSQLite, SQLitePath: filepath.Join(dir, "db", "elogbook.db")},
		{Driver: StorageFile, FileDir: filepath.Join(dir, "journal"), CompactEvery: 10},
	}
	for _, cfg := range cases {
		t.Run(string(cfg.Driver), func(t *testing.T) {
			store, closer, err := OpenStore(cfg, nil)
			if err != nil {
				t.Fatalf("open %s: %v", cfg.Driver, err)
			}
			defer closer.Close()
			svc := NewService(store)
			if _, created, err := svc.Bootstrap(context.Background(), "admin", "Admin"); err != nil || !created {
				t.Fatalf("bootstrap on %s: created=%v err=%v", cfg.Driver, created, err)
			}
		})
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, _, err := OpenStore(StorageConfig{Driver: "mongo"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestStorageConfigFromEnv(t *testing.T) {
	t.Setenv("ELOGBOOK_STORAGE_DRIVER", "file")
	t.Setenv("ELOGBOOK_FILE_DIR", "/var/lib/elogbook")
	t.Setenv("ELOGBOOK_FILE_COMPACT_EVERY", "42")
	t.Setenv("ELOGBOOK_SQLITE_PATH", "")
	t.Setenv("ELOGBOOK_POSTGRES_DSN", "postgres://db/elogbook")
	cfg := StorageConfigFromEnv()
	if cfg.Driver != StorageFile || cfg.FileDir != "/var/lib/elogbook" || cfg.CompactEvery != 42 || cfg.PostgresDSN != "postgres://db/elogbook" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("ELOGBOOK_STORAGE_DRIVER", "sqlite")
	t.Setenv("ELOGBOOK_SQLITE_PATH", filepath.Join(t.TempDir(), "env.db"))
	store, closer, err := OpenPersistentStore(nil)
	if err != nil {
		t.Fatalf("open from env: %v", err)
	}
	defer closer.Close()
	if store == nil {
		t.Fatalf("expected store")
	}
}
