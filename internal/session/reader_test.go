package session

import (
	"context"
	"testing"
	"time"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/datastore"
	"gastrolog/internal/manifest"
)

func writeTestSnapshot(t *testing.T, ds *datastore.DataStore, group datastore.GroupID, snapTime int64) (digest [32]byte) {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Opts{DataStore: ds, Group: group, SnapTime: snapTime})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDynamicIndex("drive-root"); err != nil {
		t.Fatal(err)
	}
	digest, _, _, err = s.UploadChunk(ctx, []byte("snapshot payload"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DynamicAppend("drive-root", digest, 17); err != nil {
		t.Fatal(err)
	}
	csum, _, err := s.CloseIndex("drive-root", mustCsum(t, s, "drive-root"))
	if err != nil {
		t.Fatal(err)
	}
	m := manifest.New(string(group.Type), group.ID, time.Unix(snapTime, 0))
	m.AddFile("drive-root.didx", fileSizeUint(t, s, "drive-root.didx"), csum)
	if err := s.Finish(m); err != nil {
		t.Fatal(err)
	}
	return digest
}

func fileSizeUint(t *testing.T, s *BackupSession, filename string) uint64 {
	t.Helper()
	f, ok := s.closedFiles[filename]
	if !ok {
		t.Fatalf("no such closed file %s", filename)
	}
	return f.Size
}

func TestReaderSessionRequiresIndexDownloadBeforeChunk(t *testing.T) {
	ds := openTestDS(t)
	group := testGroup()
	snapTime := time.Now().Unix()
	digest := writeTestSnapshot(t, ds, group, snapTime)

	ctx := context.Background()
	r, err := OpenReader(ctx, ReaderOpts{DataStore: ds, Snapshot: datastore.SnapshotID{Group: group, Time: snapTime}})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.DownloadChunk(digest); err != backuperr.ErrForbidden {
		t.Fatalf("expected Forbidden before index download, got %v", err)
	}

	if _, err := r.DownloadIndex("drive-root"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.DownloadChunk(digest); err != nil {
		t.Fatalf("expected chunk download to succeed after index disclosure, got %v", err)
	}
}

func TestReaderSessionForbidsUndisclosedDigest(t *testing.T) {
	ds := openTestDS(t)
	group := testGroup()
	snapTime := time.Now().Unix()
	writeTestSnapshot(t, ds, group, snapTime)

	ctx := context.Background()
	r, err := OpenReader(ctx, ReaderOpts{DataStore: ds, Snapshot: datastore.SnapshotID{Group: group, Time: snapTime}})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.DownloadIndex("drive-root"); err != nil {
		t.Fatal(err)
	}

	var other [32]byte
	other[0] = 0xEE
	if _, err := r.DownloadChunk(other); err != backuperr.ErrForbidden {
		t.Fatalf("expected Forbidden for undisclosed digest, got %v", err)
	}
}

func TestReaderSessionDownloadBlobManifest(t *testing.T) {
	ds := openTestDS(t)
	group := testGroup()
	snapTime := time.Now().Unix()
	writeTestSnapshot(t, ds, group, snapTime)

	ctx := context.Background()
	r, err := OpenReader(ctx, ReaderOpts{DataStore: ds, Snapshot: datastore.SnapshotID{Group: group, Time: snapTime}})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	data, err := r.DownloadBlob("index.json")
	if err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Files) != 1 || m.Files[0].Filename != "drive-root.didx" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}
