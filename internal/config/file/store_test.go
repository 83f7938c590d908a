package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gastrolog/internal/config"
)

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "datastore.cfg"))
	cfg, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.DataStores) != 0 {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.cfg")
	s := NewStore(path)
	ctx := context.Background()

	cfg := &config.Config{
		DataStores: []config.DataStoreConfig{
			{
				Name:            "backup1",
				Path:            "/mnt/backup1",
				GCSchedule:      "0 2 * * *",
				MaintenanceMode: "read-only",
			},
		},
		PruneJobs: []config.PruneJobConfig{
			{ID: "default", KeepLast: 3, KeepDaily: 7},
		},
	}

	if err := s.Save(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.DataStores) != 1 {
		t.Fatalf("expected 1 datastore, got %d", len(loaded.DataStores))
	}
	got := loaded.DataStores[0]
	if got.Path != "/mnt/backup1" || got.GCSchedule != "0 2 * * *" || got.MaintenanceMode != "read-only" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(loaded.PruneJobs) != 1 || loaded.PruneJobs[0].KeepLast != 3 || loaded.PruneJobs[0].KeepDaily != 7 {
		t.Fatalf("round trip lost prune job: %+v", loaded.PruneJobs)
	}
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "datastore.cfg")
	s := NewStore(path)
	cfg := &config.Config{DataStores: []config.DataStoreConfig{{Name: "x", Path: "/mnt/x"}}}
	if err := s.Save(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.cfg")
	if err := os.WriteFile(path, []byte("\tindented-before-header x\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}
