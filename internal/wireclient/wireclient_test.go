package wireclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"gastrolog/internal/backupapi"
	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/datastore"
	"gastrolog/internal/index"
	"gastrolog/internal/manifest"
	"gastrolog/internal/wire"
)

// singleRecordCsum mirrors internal/index's unkeyed running checksum for a
// one-record dynamic index: each record feeds its little-endian end offset
// then its digest into the running hash, in append order.
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

// startTestServer serves backupapi.New's handler over plain h2c on a
// loopback port, the same wire.NewServer a real pbackup-server binds to a
// listening socket, so Client exercises the full HTTP/2 framing rather
// than calling ServeHTTP in-process.
func startTestServer(t *testing.T) (baseURL string, ds *datastore.DataStore) {
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
	handler := backupapi.New(lookup, nil)
	srv := wire.NewServer(handler, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return "http://" + ln.Addr().String(), ds
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	baseURL, _ := startTestServer(t)
	client := New(baseURL, nil)
	ctx := context.Background()
	snapTime := time.Now().Unix()

	s, err := client.StartBackupSession(ctx, StartBackupRequest{DataStore: "t", Type: "host", ID: "myhost", Time: snapTime})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDynamicIndex(ctx, "drive-root"); err != nil {
		t.Fatal(err)
	}

	payload := []byte("wireclient round trip payload")
	digest, err := s.UploadChunk(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if digest != cryptoconf.ComputeDigest(payload) {
		t.Fatalf("server returned unexpected digest for uploaded chunk")
	}
	if err := s.DynamicAppend(ctx, "drive-root", digest, uint64(len(payload))); err != nil {
		t.Fatal(err)
	}

	clientCsum := singleRecordCsum(uint64(len(payload)), digest)
	csum, size, err := s.CloseIndex(ctx, "drive-root", clientCsum)
	if err != nil {
		t.Fatal(err)
	}

	m := manifest.New("host", "myhost", time.Unix(snapTime, 0))
	m.AddFile("drive-root.didx", size, csum)
	mdata, err := manifest.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, mdata); err != nil {
		t.Fatal(err)
	}

	rs, err := client.StartReaderSession(ctx, StartReaderRequest{DataStore: "t", Type: "host", ID: "myhost", Time: snapTime})
	if err != nil {
		t.Fatal(err)
	}

	idxData, err := rs.DownloadIndex(ctx, "drive-root")
	if err != nil {
		t.Fatal(err)
	}
	idx, err := index.ReadDynamicIndex(bytes.NewReader(idxData), nil)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Count() != 1 || idx.Digest(0) != digest {
		t.Fatalf("unexpected restored index: count=%d", idx.Count())
	}

	encoded, err := rs.DownloadChunk(ctx, digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) == 0 {
		t.Fatal("expected non-empty encoded chunk")
	}

	var undisclosed [32]byte
	undisclosed[0] = 0x7f
	if _, err := rs.DownloadChunk(ctx, undisclosed); err == nil {
		t.Fatal("expected download of an undisclosed digest to fail")
	}
}
