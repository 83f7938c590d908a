package datastore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gastrolog/internal/index"
)

func TestNamespaceValidation(t *testing.T) {
	if _, err := ParseNamespace("tenant-a/dept.1"); err != nil {
		t.Fatalf("expected valid namespace: %v", err)
	}
	if _, err := ParseNamespace("../etc"); err == nil {
		t.Fatal("expected dot-leading segment to be rejected")
	}
	if _, err := ParseNamespace("a/b/"); err == nil {
		t.Fatal("expected trailing empty segment to be rejected")
	}
}

func TestGroupValidate(t *testing.T) {
	g := GroupID{Type: BackupTypeHost, ID: "myhost"}
	if err := g.Validate(); err != nil {
		t.Fatalf("expected valid group: %v", err)
	}
	bad := GroupID{Type: "laptop", ID: "myhost"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invalid backup-type to be rejected")
	}
}

func TestMaintenanceModeEnforcement(t *testing.T) {
	ro := MaintenanceState{Mode: ModeReadOnly, Message: "hw swap"}
	if err := ro.Check(OpRead); err != nil {
		t.Fatalf("read-only mode should allow reads: %v", err)
	}
	if err := ro.Check(OpWrite); err == nil {
		t.Fatal("read-only mode should block writes")
	}

	offline := MaintenanceState{Mode: ModeOffline, Message: "down"}
	if err := offline.Check(OpRead); err == nil {
		t.Fatal("offline mode should block reads")
	}
	if err := offline.Check(OpWrite); err == nil {
		t.Fatal("offline mode should block writes")
	}
}

func openTestDataStore(t *testing.T) *DataStore {
	t.Helper()
	dir := t.TempDir()
	ds, err := Open(Config{Name: "test", Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestBackupWriterLockExclusivePerSnapshot(t *testing.T) {
	ds := openTestDataStore(t)
	snap := SnapshotID{Group: GroupID{Type: BackupTypeHost, ID: "myhost"}, Time: 1700000000}

	ctx := context.Background()
	lock, err := ds.AcquireBackupWriterLock(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = ds.AcquireBackupWriterLock(ctx, snap)
	if err == nil {
		t.Fatal("expected second writer to be rejected")
	}
}

func TestBackupWriterLockReleasedAllowsReacquire(t *testing.T) {
	ds := openTestDataStore(t)
	snap := SnapshotID{Group: GroupID{Type: BackupTypeHost, ID: "myhost"}, Time: 1700000001}
	ctx := context.Background()

	lock, err := ds.AcquireBackupWriterLock(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}

	lock2, err := ds.AcquireBackupWriterLock(ctx, snap)
	if err != nil {
		t.Fatalf("expected reacquire to succeed after release: %v", err)
	}
	_ = lock2.Release()
}

func TestEnumerateIndexesWalksSnapshotTree(t *testing.T) {
	ds := openTestDataStore(t)
	snapDir := filepath.Join(ds.root, "host", "myhost", "1700000000")
	if err := os.MkdirAll(snapDir, 0o750); err != nil {
		t.Fatal(err)
	}

	idx := index.NewDynamicIndexBuilder(time.Now(), [32]byte{})
	var d [32]byte
	d[0] = 7
	if err := idx.Append(100, d); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(snapDir, "a.didx"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.WriteTo(f, nil); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var seen [][32]byte
	scanned, err := ds.EnumerateIndexes(context.Background(), func(digest [32]byte) error {
		seen = append(seen, digest)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if scanned != 1 {
		t.Fatalf("expected 1 index scanned, got %d", scanned)
	}
	if len(seen) != 1 || seen[0] != d {
		t.Fatalf("expected digest to be enumerated, got %v", seen)
	}
}

func TestPruneKeepLastPolicy(t *testing.T) {
	ds := openTestDataStore(t)
	group := GroupID{Type: BackupTypeHost, ID: "myhost"}
	times := []int64{1700000000, 1700003600, 1700007200, 1700010800}
	for _, tm := range times {
		dir := filepath.Join(append([]string{ds.root}, (SnapshotID{Group: group, Time: tm}).RelPath()...)...)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := ds.Prune(group, KeepLastPolicy{N: 2}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}

	remaining, err := ds.ListSnapshots(group)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining snapshots, got %d", len(remaining))
	}
	if remaining[0].ID.Time != times[2] || remaining[1].ID.Time != times[3] {
		t.Fatalf("expected newest 2 snapshots kept, got %+v", remaining)
	}
}

func TestListGroupsDiscoversNamespacedGroups(t *testing.T) {
	ds := openTestDataStore(t)
	g1 := GroupID{Type: BackupTypeHost, ID: "h1"}
	g2 := GroupID{NS: Namespace{segments: []string{"tenant-a"}}, Type: BackupTypeVM, ID: "100"}

	for _, g := range []GroupID{g1, g2} {
		dir := filepath.Join(append([]string{ds.root}, (SnapshotID{Group: g, Time: 1700000000}).RelPath()...)...)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatal(err)
		}
	}

	groups, err := ds.ListGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(groups), groups)
	}
}
