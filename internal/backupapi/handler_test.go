package backupapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"gastrolog/internal/blob"
	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/datastore"
	"gastrolog/internal/manifest"
	"gastrolog/internal/session"
	"gastrolog/internal/wire"
)

func openTestHandler(t *testing.T) (*Handler, *datastore.DataStore) {
	t.Helper()
	ds, err := datastore.Open(datastore.Config{Name: "t", Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ds.Close() })

	lookup := func(name string) (*datastore.DataStore, bool) {
		if name != "t" {
			return nil, false
		}
		return ds, true
	}
	return New(lookup, nil), ds
}

// doOp posts body to the session dispatch path for op, carrying hdr as the
// X-Pbackup-Header field, and returns the recorded response plus its
// decoded trailer status. httptest.ResponseRecorder has no real HTTP/2
// trailer phase, so the status trailer is read back from the same
// X-Pbackup-Status header writeError/writeDone/writeBody set directly.
func doOp(t *testing.T, h *Handler, sessionID string, op wire.Op, hdr wire.Header, body []byte) (*httptest.ResponseRecorder, wire.Status) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, wire.Path(sessionID, op), bytes.NewReader(body))
	if err := wire.WriteHeaderField(req.Header, hdr); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, decodeTrailer(t, rec)
}

func decodeTrailer(t *testing.T, rec *httptest.ResponseRecorder) wire.Status {
	t.Helper()
	encoded := rec.Header().Get("X-Pbackup-Status")
	if encoded == "" {
		return wire.Status{}
	}
	resp := &http.Response{Trailer: http.Header{"X-Pbackup-Status": []string{encoded}}}
	status, err := wire.ReadTrailerStatus(resp)
	if err != nil {
		t.Fatal(err)
	}
	return status
}

func startBackupSessionHTTP(t *testing.T, h *Handler, group datastore.GroupID, snapTime int64) string {
	t.Helper()
	req := StartBackupRequest{DataStore: "t", Type: string(group.Type), ID: group.ID, Time: snapTime}
	data, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/backup-session", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httpReq)
	if status := decodeTrailer(t, rec); !status.OK() {
		t.Fatalf("start backup session failed: %+v", status)
	}
	return rec.Body.String()
}

func startReaderSessionHTTP(t *testing.T, h *Handler, group datastore.GroupID, snapTime int64) string {
	t.Helper()
	req := StartReaderRequest{DataStore: "t", Type: string(group.Type), ID: group.ID, Time: snapTime}
	data, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/reader-session", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httpReq)
	if status := decodeTrailer(t, rec); !status.OK() {
		t.Fatalf("start reader session failed: %+v", status)
	}
	return rec.Body.String()
}

// TestBackupSessionDispatchesWriterOps drives create_dynamic_index,
// upload_chunk, known_chunk and dynamic_append entirely over ServeHTTP,
// checking each op's trailer status without needing to replicate the
// session's own running-checksum algorithm (that requires a real
// internal/client.BackupWriter, exercised by the client package's own
// tests; this package only needs to prove the dispatch wiring is right).
func TestBackupSessionDispatchesWriterOps(t *testing.T) {
	h, _ := openTestHandler(t)
	group := datastore.GroupID{Type: datastore.BackupTypeHost, ID: "myhost"}
	sessionID := startBackupSessionHTTP(t, h, group, time.Now().Unix())

	if _, status := doOp(t, h, sessionID, wire.OpCreateDynamicIdx, wire.Header{Archive: "drive-root"}, nil); !status.OK() {
		t.Fatalf("create_dynamic_index failed: %+v", status)
	}

	payload := []byte("hello world backup payload")
	if _, status := doOp(t, h, sessionID, wire.OpUploadChunk, wire.Header{}, payload); !status.OK() {
		t.Fatalf("upload_chunk failed: %+v", status)
	}

	digest := cryptoconf.ComputeDigest(payload)
	rec, status := doOp(t, h, sessionID, wire.OpKnownChunk, wire.Header{Digest: &digest}, nil)
	if !status.OK() {
		t.Fatalf("known_chunk failed: %+v", status)
	}
	if rec.Body.Len() != 1 || rec.Body.Bytes()[0] != 1 {
		t.Fatalf("expected known_chunk to report true, got %q", rec.Body.Bytes())
	}

	if _, status := doOp(t, h, sessionID, wire.OpDynamicAppend, wire.Header{Archive: "drive-root", Digest: &digest, Offset: uint64(len(payload))}, nil); !status.OK() {
		t.Fatalf("dynamic_append failed: %+v", status)
	}

	var wrongCsum [32]byte
	if _, status := doOp(t, h, sessionID, wire.OpCloseIndex, wire.Header{Archive: "drive-root", Csum: &wrongCsum}, nil); status.OK() {
		t.Fatal("expected close_index to reject a wrong client csum")
	}
}

func TestDispatchUnknownSessionIsNotFound(t *testing.T) {
	h, _ := openTestHandler(t)
	_, status := doOp(t, h, "no-such-session", wire.OpCreateDynamicIdx, wire.Header{Archive: "drive-root"}, nil)
	if status.OK() {
		t.Fatal("expected failure for unknown session id")
	}
}

// TestReaderSessionEnforcesDisclosure builds a real snapshot in-process via
// internal/session (the same path internal/client's own tests use), then
// exercises only the reader-session HTTP surface: starting a session and
// downloading a chunk must fail for a digest the client never saw through
// download_index/download_blob, and succeed for one it did (spec.md §4.9).
func TestReaderSessionEnforcesDisclosure(t *testing.T) {
	h, ds := openTestHandler(t)
	group := datastore.GroupID{Type: datastore.BackupTypeHost, ID: "myhost"}
	snapTime := time.Now().Unix()
	ctx := context.Background()

	s, err := session.Open(ctx, session.Opts{DataStore: ds, Group: group, SnapTime: snapTime})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDynamicIndex("drive-root"); err != nil {
		t.Fatal(err)
	}
	payload := []byte("restore payload")
	digest, _, _, err := s.UploadChunk(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DynamicAppend("drive-root", digest, uint64(len(payload))); err != nil {
		t.Fatal(err)
	}
	// The session's own running csum (unkeyed SHA-256, no crypt configured)
	// covers exactly one record: the digest at its end offset.
	clientCsum := singleRecordCsum(uint64(len(payload)), digest)
	csum, size, err := s.CloseIndex("drive-root", clientCsum)
	if err != nil {
		t.Fatal(err)
	}
	m := manifest.New(string(group.Type), group.ID, time.Unix(snapTime, 0))
	m.AddFile("drive-root.didx", size, csum)
	if err := s.Finish(m); err != nil {
		t.Fatal(err)
	}

	readerSessionID := startReaderSessionHTTP(t, h, group, snapTime)

	if _, status := doOp(t, h, readerSessionID, wire.OpDownloadIndex, wire.Header{Archive: "drive-root"}, nil); !status.OK() {
		t.Fatalf("download_index failed: %+v", status)
	}

	var other [32]byte
	other[0] = 0x99
	if _, status := doOp(t, h, readerSessionID, wire.OpDownloadChunk, wire.Header{Digest: &other}, nil); status.OK() {
		t.Fatal("expected download_chunk of an undisclosed digest to fail")
	}

	rec, status := doOp(t, h, readerSessionID, wire.OpDownloadChunk, wire.Header{Digest: &digest}, nil)
	if !status.OK() {
		t.Fatalf("expected download_chunk of a disclosed digest to succeed, got %+v", status)
	}
	// DownloadChunk returns the chunk's raw on-disk (encoded) bytes, the
	// same shape internal/client.BackupReader decodes with blob.Decode.
	plaintext, err := blob.Decode(rec.Body.Bytes(), blob.DecodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Fatalf("expected %q, got %q", payload, plaintext)
	}
}

// singleRecordCsum mirrors internal/index's unkeyed running checksum for a
// single dynamic_append record, the same layout internal/client.BackupWriter
// computes independently of the server.
func singleRecordCsum(endOffset uint64, digest [32]byte) [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], endOffset)
	h.Write(buf[:])
	h.Write(digest[:])
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
