package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/blob"
	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/datastore"
	"gastrolog/internal/index"
	"gastrolog/internal/logging"
	"gastrolog/internal/manifest"
)

// ReaderState is a ReaderSession's position in the Open → Closed state
// machine of spec.md §4.9.
type ReaderState int

const (
	ReaderOpen ReaderState = iota
	ReaderClosed
)

// ReaderSession is one client download connection's server-side state. A
// reader may only fetch chunks by digest after having downloaded a
// manifest or index that discloses that digest (spec.md §4.9
// "Authorization") — this keeps download_chunk from being an oracle over
// the entire chunk store.
type ReaderSession struct {
	ID     string
	ds     *datastore.DataStore
	snap   datastore.SnapshotID
	crypt  *cryptoconf.Config
	logger *slog.Logger

	mu          sync.Mutex
	state       ReaderState
	endOp       func()
	authorized  map[[32]byte]struct{}
}

// ReaderOpts configures a new ReaderSession.
type ReaderOpts struct {
	DataStore *datastore.DataStore
	Snapshot  datastore.SnapshotID
	Crypt     *cryptoconf.Config
	Logger    *slog.Logger
}

// OpenReader begins a ReaderSession against an existing snapshot.
func OpenReader(ctx context.Context, opts ReaderOpts) (*ReaderSession, error) {
	endOp, err := opts.DataStore.BeginOperation(ctx, datastore.OpRead)
	if err != nil {
		return nil, err
	}
	r := &ReaderSession{
		ID:         uuid.NewString(),
		ds:         opts.DataStore,
		snap:       opts.Snapshot,
		crypt:      opts.Crypt,
		logger:     logging.Default(opts.Logger).With("component", "reader-session"),
		state:      ReaderOpen,
		endOp:      endOp,
		authorized: make(map[[32]byte]struct{}),
	}
	r.logger = r.logger.With("session", r.ID)
	r.logger.Info("reader session opened", "group", opts.Snapshot.Group.RelPath(), "snapshot", opts.Snapshot.Time)
	return r, nil
}

func (r *ReaderSession) snapDir() string {
	return filepath.Join(append([]string{r.ds.Root()}, r.snap.RelPath()...)...)
}

// DownloadBlob reads and decodes a small inline file or the manifest
// (name == "index.json" maps to "index.json.blob"). Every digest the
// manifest names becomes authorized for download_chunk — though chunk
// bytes for a manifest's files normally come via an index, not directly.
func (r *ReaderSession) DownloadBlob(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ReaderOpen {
		return nil, backuperr.ErrNotFound
	}

	filename := name
	if name == "index.json" {
		filename = "index.json.blob"
	} else if filepath.Ext(name) != ".blob" {
		filename += ".blob"
	}
	data, err := os.ReadFile(filepath.Join(r.snapDir(), filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backuperr.ErrNotFound
		}
		return nil, fmt.Errorf("reader session: read blob: %w", err)
	}
	plaintext, err := blob.Decode(data, blob.DecodeOptions{Crypt: r.crypt})
	if err != nil {
		return nil, err
	}

	if name == "index.json" {
		m, err := manifest.Decode(plaintext)
		if err == nil {
			for _, f := range m.Files {
				r.authorized[f.Csum] = struct{}{}
			}
		}
	}
	return plaintext, nil
}

// DownloadIndex reads an index archive and authorizes every digest it
// references for subsequent download_chunk calls. Authorization parses the
// index structurally but does not gate on a keyed checksum match: the index
// key used here is this reader's own (ReaderOpts.Crypt), which need not be
// the key the archive was written under (spec.md §8 scenario S4 — a reader
// holding the wrong key). Rejecting the download here would misreport a key
// mismatch as "not found"; instead every digest is served and the mismatch
// surfaces where it belongs, at the client's own blob decode.
func (r *ReaderSession) DownloadIndex(archive string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ReaderOpen {
		return nil, backuperr.ErrNotFound
	}

	for _, ext := range []string{".didx", ".fidx"} {
		path := filepath.Join(r.snapDir(), archive+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var idx index.Index
		if ext == ".didx" {
			idx, err = index.ReadDynamicIndexUnverified(bytes.NewReader(data))
		} else {
			idx, err = index.ReadFixedIndexUnverified(bytes.NewReader(data))
		}
		if err != nil {
			return nil, err
		}
		for i := 0; i < idx.Count(); i++ {
			r.authorized[idx.Digest(i)] = struct{}{}
		}
		return data, nil
	}
	return nil, backuperr.ErrNotFound
}

// DownloadChunk serves a chunk's raw (encoded) bytes if its digest was
// disclosed by a prior manifest/index download (spec.md §4.9
// "Authorization"); otherwise returns Forbidden.
func (r *ReaderSession) DownloadChunk(digest [32]byte) ([]byte, error) {
	r.mu.Lock()
	if r.state != ReaderOpen {
		r.mu.Unlock()
		return nil, backuperr.ErrNotFound
	}
	_, ok := r.authorized[digest]
	r.mu.Unlock()
	if !ok {
		return nil, backuperr.ErrForbidden
	}
	return r.ds.ChunkStore().LoadChunk(digest)
}

// Close ends the reader session and releases its chunk-store-in-use lock
// participation.
func (r *ReaderSession) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ReaderClosed {
		return
	}
	r.state = ReaderClosed
	if r.endOp != nil {
		r.endOp()
		r.endOp = nil
	}
	r.logger.Info("reader session closed")
}
