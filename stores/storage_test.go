package stores

import (
	"path/filepath"
	"testing"

	"docs-collab-server/config"
	"docs-collab-server/stores/sqlite"
)

func TestGetStore_DefaultsToMemory(t *testing.T) {
	store, err := GetStore(config.Config{})
	if err != nil {
		t.Fatalf("GetStore() error = %v", err)
	}
	if store == nil {
		t.Fatal("GetStore() returned nil")
	}
}

func TestGetStore_Unknown(t *testing.T) {
	if _, err := GetStore(config.Config{StorageType: "filesystem"}); err == nil {
		t.Error("GetStore() accepted an unknown storage type")
	}
}

func TestGetStore_SQLiteRequiresDSN(t *testing.T) {
	if _, err := GetStore(config.Config{StorageType: "sqlite"}); err == nil {
		t.Error("GetStore() accepted sqlite without a data source")
	}
}

func TestGetStore_SQLiteWithoutCGO(t *testing.T) {
	if sqlite.CGOEnabled {
		t.Skip("CGO enabled")
	}
	_, err := GetStore(config.Config{StorageType: "sqlite", DataSourceName: "unused.db"})
	if err == nil {
		t.Error("GetStore() accepted sqlite in a build without cgo")
	}
}

func TestGetStore_SQLite(t *testing.T) {
	if !sqlite.CGOEnabled {
		t.Skip("CGO disabled")
	}
	store, err := GetStore(config.Config{
		StorageType:    "sqlite",
		DataSourceName: filepath.Join(t.TempDir(), "collab.db"),
	})
	if err != nil {
		t.Fatalf("GetStore() error = %v", err)
	}
	if store == nil {
		t.Fatal("GetStore() returned nil")
	}
}
