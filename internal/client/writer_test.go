package client

import (
	"context"
	"testing"
	"time"

	"gastrolog/internal/datastore"
	"gastrolog/internal/manifest"
	"gastrolog/internal/session"
)

func openTestDS(t *testing.T) *datastore.DataStore {
	t.Helper()
	ds, err := datastore.Open(datastore.Config{Name: "t", Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func testGroup() datastore.GroupID {
	return datastore.GroupID{Type: datastore.BackupTypeHost, ID: "myhost"}
}

func TestUploadDynamicArchivePipelinesChunks(t *testing.T) {
	ds := openTestDS(t)
	ctx := context.Background()
	now := time.Now().Unix()

	s, err := session.Open(ctx, session.Opts{DataStore: ds, Group: testGroup(), SnapTime: now})
	if err != nil {
		t.Fatal(err)
	}

	w := NewBackupWriter(WriterOpts{Session: s, InFlightChunks: 4})

	var offset uint64
	chunks := make([]ChunkInput, 0, 10)
	for i := 0; i < 10; i++ {
		payload := []byte{byte(i), byte(i), byte(i)}
		offset += uint64(len(payload))
		chunks = append(chunks, ChunkInput{Plaintext: payload, EndOffset: offset})
	}

	clientCsum, err := w.UploadDynamicArchive(ctx, "drive-root", chunks, nil)
	if err != nil {
		t.Fatal(err)
	}

	csum, size, err := s.CloseIndex("drive-root", clientCsum)
	if err != nil {
		t.Fatal(err)
	}
	if size != offset {
		t.Fatalf("expected size %d, got %d", offset, size)
	}

	m := manifest.New("host", "myhost", time.Unix(now, 0))
	m.AddFile("drive-root.didx", size, csum)
	if err := s.Finish(m); err != nil {
		t.Fatal(err)
	}
}

func TestUploadDynamicArchiveSkipsKnownChunks(t *testing.T) {
	ds := openTestDS(t)
	ctx := context.Background()
	now := time.Now().Unix()

	seed, err := session.Open(ctx, session.Opts{DataStore: ds, Group: testGroup(), SnapTime: now - 86400})
	if err != nil {
		t.Fatal(err)
	}
	shared := []byte("shared payload")
	sharedDigest, _, _, err := seed.UploadChunk(ctx, shared)
	if err != nil {
		t.Fatal(err)
	}
	seed.Abort(nil)

	s, err := session.Open(ctx, session.Opts{DataStore: ds, Group: testGroup(), SnapTime: now})
	if err != nil {
		t.Fatal(err)
	}
	w := NewBackupWriter(WriterOpts{Session: s})
	prev := NewPreviousIndexSet([][32]byte{sharedDigest})

	chunks := []ChunkInput{{Plaintext: shared, EndOffset: uint64(len(shared))}}
	if _, err := w.UploadDynamicArchive(ctx, "drive-root", chunks, prev); err != nil {
		t.Fatal(err)
	}
	stat := s.Stat()
	if stat.Inserted != 0 {
		t.Fatalf("expected known chunk to skip insert, got inserted=%d", stat.Inserted)
	}
}
