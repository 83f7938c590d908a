// Package session implements the server-side halves of spec.md §4.8/§4.9:
// BackupSession (C8), the stateful upload that assembles indices from
// client-pushed chunks and commits a snapshot, and ReaderSession (C9), the
// stateful download that serves chunk bytes only for digests disclosed by
// an earlier manifest/index download. Both follow the teacher's vault
// session shape in internal/server/vault_operations.go: one struct per
// connection, guarded by a mutex, holding references into the owning
// DataStore rather than duplicating its state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/blob"
	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/datastore"
	"gastrolog/internal/index"
	"gastrolog/internal/logging"
	"gastrolog/internal/manifest"
)

// State is a BackupSession's position in the Open → Archiving* → Finished /
// Aborted state machine of spec.md §4.8.
type State int

const (
	StateOpen State = iota
	StateArchiving
	StateFinished
	StateAborted
)

// Progress is the nested (done, total) counter original_source/'s
// store_progress.rs reports at both the chunk and archive-file level,
// carried here as a callback so a caller can surface it without this
// package depending on any particular UI.
type Progress struct {
	ArchivesDone, ArchivesTotal int
	ChunksDone, ChunksTotal     int
}

// ChunkStat mirrors original_source/'s chunk_stat.rs running counters:
// per-session insert/skip/error tallies, surfaced in the session's final
// status alongside GC's own report.
type ChunkStat struct {
	Inserted   int
	KnownAlready int
	Errors     int
	BytesWritten int64
}

// indexHandle is either a DynamicIndex under construction or a FixedIndex
// with slots to fill; both, per spec.md §4.5, close into an Index plus its
// running csum.
type indexHandle struct {
	name    string
	dynamic *index.DynamicIndex
	fixed   *index.FixedIndex
	closed  bool
}

// BackupSession is one client upload connection's server-side state.
type BackupSession struct {
	ID       string
	ds       *datastore.DataStore
	group    datastore.GroupID
	snapTime int64
	crypt    *cryptoconf.Config // nil for an unencrypted datastore
	limiter  *rate.Limiter      // per-session token bucket (spec.md §6.3 traffic-control)
	logger   *slog.Logger

	mu             sync.Mutex
	state          State
	lock           *datastore.Lock
	endOp          func()
	tmpDir         string
	snapDir        string
	indexes        map[string]*indexHandle
	sessionDigests map[[32]byte]struct{} // declared this session via known_chunk/upload_chunk
	closedFiles    map[string]manifest.File
	stat           ChunkStat
	onProgress     func(Progress)
}

// Opts configures a new BackupSession.
type Opts struct {
	DataStore *datastore.DataStore
	Group     datastore.GroupID
	SnapTime  int64
	Crypt     *cryptoconf.Config
	Limiter   *rate.Limiter
	Logger    *slog.Logger
	OnProgress func(Progress)
}

// Open begins a BackupSession: checks maintenance mode, acquires the
// exclusive backup_writer lock for (group, snap-time), and registers the
// session in the active-operations table (invariant 1 of spec.md §4.8).
func Open(ctx context.Context, opts Opts) (*BackupSession, error) {
	if err := opts.Group.Validate(); err != nil {
		return nil, err
	}
	snap := datastore.SnapshotID{Group: opts.Group, Time: opts.SnapTime}

	lock, err := opts.DataStore.AcquireBackupWriterLock(ctx, snap)
	if err != nil {
		return nil, err
	}
	endOp, err := opts.DataStore.BeginOperation(ctx, datastore.OpWrite)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}

	snapDir := filepath.Join(append([]string{opts.DataStore.Root()}, snap.RelPath()...)...)
	tmpDir := snapDir + ".tmp"
	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		_ = lock.Release()
		endOp()
		return nil, fmt.Errorf("session: create tmp snapshot dir: %w", err)
	}

	s := &BackupSession{
		ID:             uuid.NewString(),
		ds:             opts.DataStore,
		group:          opts.Group,
		snapTime:       opts.SnapTime,
		crypt:          opts.Crypt,
		limiter:        opts.Limiter,
		logger:         logging.Default(opts.Logger).With("component", "backup-session"),
		state:          StateArchiving,
		lock:           lock,
		endOp:          endOp,
		tmpDir:         tmpDir,
		snapDir:        snapDir,
		indexes:        make(map[string]*indexHandle),
		sessionDigests: make(map[[32]byte]struct{}),
		closedFiles:    make(map[string]manifest.File),
		onProgress:     opts.OnProgress,
	}
	s.logger = s.logger.With("session", s.ID)
	s.logger.Info("backup session opened", "group", opts.Group.RelPath(), "snapshot", opts.SnapTime)
	return s, nil
}

// Previous returns the previous snapshot's index for archive, if any, to
// support the differential speedup of spec.md §4.8: the caller streams the
// returned index's digests through known_chunk before upload_chunk.
func (s *BackupSession) Previous(archive string) (index.Index, error) {
	snaps, err := s.ds.ListSnapshots(s.group)
	if err != nil {
		return nil, err
	}
	var prev *datastore.SnapshotMeta
	for i := range snaps {
		if snaps[i].ID.Time >= s.snapTime {
			break
		}
		prev = &snaps[i]
	}
	if prev == nil {
		return nil, backuperr.ErrNoPrevious
	}
	dir := filepath.Join(append([]string{s.ds.Root()}, prev.ID.RelPath()...)...)
	for _, ext := range []string{".didx", ".fidx"} {
		path := filepath.Join(dir, archive+ext)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		if ext == ".didx" {
			return index.ReadDynamicIndex(f, s.indexKey())
		}
		return index.ReadFixedIndex(f, s.indexKey())
	}
	return nil, backuperr.ErrNoPrevious
}

func (s *BackupSession) indexKey() *[32]byte {
	if s.crypt == nil {
		return nil
	}
	k := s.crypt.IndexKey()
	return &k
}

// IndexKey exposes the per-session index key so a caller re-serializing an
// Index returned by Previous (internal/backupapi, sending it back to the
// client over the wire) can use the same key the session itself reads with.
func (s *BackupSession) IndexKey() *[32]byte {
	return s.indexKey()
}

// CreateDynamicIndex opens a new DynamicIndex archive handle.
func (s *BackupSession) CreateDynamicIndex(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.indexes[name]; exists {
		return backuperr.ErrExists
	}
	var fp [32]byte
	if s.crypt != nil {
		fp = s.crypt.Fingerprint()
	}
	s.indexes[name] = &indexHandle{name: name, dynamic: index.NewDynamicIndexBuilder(time.Now(), fp)}
	return nil
}

// CreateFixedIndex opens a new FixedIndex archive handle of the given total
// size and chunk size.
func (s *BackupSession) CreateFixedIndex(name string, size, chunkSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.indexes[name]; exists {
		return backuperr.ErrExists
	}
	if chunkSize == 0 {
		return backuperr.ErrSizeMismatch
	}
	var fp [32]byte
	if s.crypt != nil {
		fp = s.crypt.Fingerprint()
	}
	s.indexes[name] = &indexHandle{name: name, fixed: index.NewFixedIndex(time.Now(), fp, size, chunkSize)}
	return nil
}

// UploadChunk encodes plaintext as a DataBlob, inserts it into the chunk
// store at-most-once, and declares its digest legitimate for this session
// (invariant 2 of spec.md §4.8).
func (s *BackupSession) UploadChunk(ctx context.Context, plaintext []byte) (digest [32]byte, isNew bool, size int64, err error) {
	if len(plaintext) > blob.MaxBlobSize {
		return digest, false, 0, backuperr.ErrBlobTooLarge
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, len(plaintext)); err != nil {
			return digest, false, 0, err
		}
	}
	digest = cryptoconf.ComputeDigest(plaintext)

	encoded, err := blob.Encode(plaintext, blob.EncodeOptions{Compress: true, Crypt: s.crypt})
	if err != nil {
		return digest, false, 0, err
	}

	isNew, sizeOnDisk, err := s.ds.ChunkStore().InsertChunk(digest, encoded)
	if err != nil {
		s.mu.Lock()
		s.stat.Errors++
		s.mu.Unlock()
		return digest, false, 0, err
	}

	s.mu.Lock()
	s.sessionDigests[digest] = struct{}{}
	if isNew {
		s.stat.Inserted++
		s.stat.BytesWritten += sizeOnDisk
	} else {
		s.stat.KnownAlready++
	}
	s.mu.Unlock()

	return digest, isNew, sizeOnDisk, nil
}

// KnownChunk declares digest legitimate for this session without uploading
// bytes, used by the differential-speedup path (spec.md §4.8). Reports
// whether the chunk store already has it.
func (s *BackupSession) KnownChunk(digest [32]byte) bool {
	exists := s.ds.ChunkStore().Exists(digest)
	if exists {
		s.mu.Lock()
		s.sessionDigests[digest] = struct{}{}
		s.mu.Unlock()
	}
	return exists
}

func (s *BackupSession) chunkKnownLocked(digest [32]byte) bool {
	if _, ok := s.sessionDigests[digest]; ok {
		return true
	}
	return s.ds.ChunkStore().Exists(digest)
}

// DynamicAppend appends one (digest, end_offset) record to a dynamic
// index, enforcing strictly increasing offsets (invariant 4) and that the
// digest is known to this session (invariant 3).
func (s *BackupSession) DynamicAppend(archive string, digest [32]byte, endOffset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.indexes[archive]
	if !ok || h.dynamic == nil || h.closed {
		return backuperr.ErrBadName
	}
	if !s.chunkKnownLocked(digest) {
		return backuperr.ErrUnknownChunk
	}
	if err := h.dynamic.Append(endOffset, digest); err != nil {
		return err
	}
	if s.onProgress != nil {
		s.onProgress(Progress{ChunksDone: h.dynamic.Count()})
	}
	return nil
}

// FixedAppend assigns digest to position in a fixed index, enforcing that
// the digest is known to this session (invariant 3).
func (s *BackupSession) FixedAppend(archive string, position int, digest [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.indexes[archive]
	if !ok || h.fixed == nil || h.closed {
		return backuperr.ErrBadName
	}
	if !s.chunkKnownLocked(digest) {
		return backuperr.ErrUnknownChunk
	}
	return h.fixed.SetDigest(position, digest)
}

// CloseIndex finalizes an index archive, cross-checking the caller's
// claimed running csum against the server's own computation (invariant 5).
// On success the index bytes are written to the session's tmp directory.
func (s *BackupSession) CloseIndex(archive string, clientCsum [32]byte) (csum [32]byte, size uint64, err error) {
	s.mu.Lock()
	h, ok := s.indexes[archive]
	if !ok || h.closed {
		s.mu.Unlock()
		return csum, 0, backuperr.ErrBadName
	}

	var idx index.Index
	var ext string
	if h.dynamic != nil {
		csum, size = h.dynamic.ComputeCsum(s.indexKey())
		idx, ext = h.dynamic, ".didx"
	} else {
		csum, size = h.fixed.ComputeCsum(s.indexKey())
		idx, ext = h.fixed, ".fidx"
	}
	s.mu.Unlock()

	if csum != clientCsum {
		s.abort(backuperr.ErrBadCsum)
		return csum, 0, backuperr.ErrBadCsum
	}

	path := filepath.Join(s.tmpDir, archive+ext)
	f, err := os.Create(path)
	if err != nil {
		return csum, 0, fmt.Errorf("session: create index file: %w", err)
	}
	defer f.Close()
	switch v := idx.(type) {
	case *index.DynamicIndex:
		_, err = v.WriteTo(f, s.indexKey())
	case *index.FixedIndex:
		_, err = v.WriteTo(f, s.indexKey())
	}
	if err != nil {
		return csum, 0, fmt.Errorf("session: write index file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return csum, 0, fmt.Errorf("session: fsync index file: %w", err)
	}

	s.mu.Lock()
	h.closed = true
	s.closedFiles[archive+ext] = manifest.File{Filename: archive + ext, Size: size, Csum: csum}
	s.mu.Unlock()
	return csum, size, nil
}

// UploadBlob writes a small inline file (not chunked) to the session's tmp
// directory and returns its checksum for the eventual manifest.
func (s *BackupSession) UploadBlob(name string, plaintext []byte) ([32]byte, error) {
	if len(plaintext) > blob.MaxBlobSize {
		return [32]byte{}, backuperr.ErrBlobTooLarge
	}
	encoded, err := blob.Encode(plaintext, blob.EncodeOptions{Compress: true, Crypt: s.crypt})
	if err != nil {
		return [32]byte{}, err
	}
	csum := cryptoconf.ComputeDigest(plaintext)

	path := filepath.Join(s.tmpDir, name+".blob")
	if err := os.WriteFile(path, encoded, 0o640); err != nil {
		return csum, fmt.Errorf("session: write blob: %w", err)
	}

	s.mu.Lock()
	s.closedFiles[name+".blob"] = manifest.File{Filename: name + ".blob", Size: uint64(len(encoded)), Csum: csum}
	s.mu.Unlock()
	return csum, nil
}

// Finish verifies that every file named in manifestBytes' manifest was
// closed in this session (invariant 6), signs the manifest if a key is
// configured, writes it to the tmp directory, fsyncs, and atomically
// renames the tmp directory into place (spec.md §4.8 "Commit").
func (s *BackupSession) Finish(m *manifest.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateArchiving {
		return backuperr.ErrAlreadyInProgress
	}

	for _, f := range m.Files {
		closed, ok := s.closedFiles[f.Filename]
		if !ok {
			s.abortLockedNoLock(backuperr.ErrMissingFile)
			return backuperr.ErrMissingFile
		}
		if closed.Size != f.Size || closed.Csum != f.Csum {
			s.abortLockedNoLock(backuperr.ErrManifestInvalid)
			return backuperr.ErrManifestInvalid
		}
	}

	if s.crypt != nil {
		if err := m.Sign(s.crypt.HMACKey()); err != nil {
			s.abortLockedNoLock(err)
			return err
		}
	}
	encoded, err := manifest.Encode(m)
	if err != nil {
		s.abortLockedNoLock(err)
		return err
	}
	manifestBlob, err := blob.Encode(encoded, blob.EncodeOptions{Crypt: s.crypt})
	if err != nil {
		s.abortLockedNoLock(err)
		return err
	}
	if err := os.WriteFile(filepath.Join(s.tmpDir, "index.json.blob"), manifestBlob, 0o640); err != nil {
		s.abortLockedNoLock(err)
		return fmt.Errorf("session: write manifest: %w", err)
	}

	if err := os.Rename(s.tmpDir, s.snapDir); err != nil {
		s.abortLockedNoLock(err)
		return fmt.Errorf("session: commit snapshot: %w", err)
	}

	s.state = StateFinished
	s.logger.Info("backup session finished", "files", len(m.Files), "chunks_inserted", s.stat.Inserted, "chunks_known", s.stat.KnownAlready)
	s.releaseLocked()
	return nil
}

// Abort cancels the session, removing any tmp artifacts (spec.md §4.8:
// "a failed session in the middle aborts cleanly with no partial snapshot
// directory"). Chunks already inserted remain until GC reclaims them.
func (s *BackupSession) Abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLockedNoLock(cause)
}

// abort acquires the lock and delegates to abortLockedNoLock; callers that
// already hold s.mu must call abortLockedNoLock directly instead.
func (s *BackupSession) abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLockedNoLock(cause)
}

func (s *BackupSession) abortLockedNoLock(cause error) {
	if s.state == StateFinished || s.state == StateAborted {
		return
	}
	s.state = StateAborted
	if err := os.RemoveAll(s.tmpDir); err != nil {
		s.logger.Error("abort: failed to clean tmp dir", "dir", s.tmpDir, "error", err)
	}
	s.logger.Warn("backup session aborted", "cause", cause)
	s.releaseLocked()
}

func (s *BackupSession) releaseLocked() {
	if s.endOp != nil {
		s.endOp()
		s.endOp = nil
	}
	if s.lock != nil {
		_ = s.lock.Release()
		s.lock = nil
	}
}

// Stat returns the session's running chunk counters.
func (s *BackupSession) Stat() ChunkStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stat
}
