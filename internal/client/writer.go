// Package client implements the client-side halves of the session
// protocols, C10 of spec.md §4.10: BackupWriter pipelines chunk uploads
// against a BackupSession, BackupReader does cached random-access reads
// against a ReaderSession. Both talk to internal/session directly in this
// module (no network hop) — internal/wire defines the framing a real
// client/server split uses over the HTTP/2 transport, and
// internal/wireclient's Client, used by cmd/pbackup, is that split's
// network counterpart to the local session reference.
package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"sync"

	"golang.org/x/sync/errgroup"

	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/session"
)

// DefaultInFlightChunks bounds the writer's pipelined upload window, sized
// for the HTTP/2 connection window of spec.md §6.2 rather than one
// request at a time.
const DefaultInFlightChunks = 32

// KnownChunkBatchSize is a batch size for previous-snapshot known_chunk
// announcements. BackupWriter does not use it: it issues one known_chunk
// call per digest, without batching.
const KnownChunkBatchSize = 256

// WriterOpts configures a BackupWriter.
type WriterOpts struct {
	Session        *session.BackupSession
	InFlightChunks int
	// IndexKey, if set, is the same per-datastore index key the server
	// derives for an encrypted datastore; the writer needs it to compute
	// its own running csum independently of the server (spec.md §4.5).
	IndexKey *[32]byte
}

// BackupWriter pipelines upload_chunk calls against a server-side
// BackupSession with a bounded in-flight window.
type BackupWriter struct {
	sess     *session.BackupSession
	inFlight int
	indexKey *[32]byte
}

// NewBackupWriter wraps an open BackupSession.
func NewBackupWriter(opts WriterOpts) *BackupWriter {
	n := opts.InFlightChunks
	if n <= 0 {
		n = DefaultInFlightChunks
	}
	return &BackupWriter{sess: opts.Session, inFlight: n, indexKey: opts.IndexKey}
}

// csumHasher mirrors internal/index's running-checksum hash selection:
// HMAC-SHA256 keyed by the index key for an encrypted datastore, plain
// SHA-256 otherwise. The writer keeps its own independent running hash so
// close_index's server-side cross-check (invariant 5 of spec.md §4.8) is
// actually catching transport/server divergence, not just echoing back
// whatever the server itself computed.
func (w *BackupWriter) csumHasher() hash.Hash {
	if w.indexKey == nil {
		return sha256.New()
	}
	return hmac.New(sha256.New, w.indexKey[:])
}

func writeCsumRecord(h hash.Hash, endOffset uint64, digest [32]byte) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], endOffset)
	h.Write(buf[:])
	h.Write(digest[:])
}

// ChunkInput is one chunk's plaintext plus its position in a dynamic
// archive's byte stream, as produced by internal/chunker.
type ChunkInput struct {
	Plaintext []byte
	EndOffset uint64
}

// UploadDynamicArchive pipelines chunks into archive: each chunk is
// uploaded with up to w.inFlight requests outstanding at once, then
// appended to the index in the order chunks arrive in the input slice
// (ordering guarantee of spec.md §5: server applies appends in issuance
// order, so results are collected and appended sequentially even though
// the uploads themselves run concurrently).
func (w *BackupWriter) UploadDynamicArchive(ctx context.Context, archive string, chunks []ChunkInput, previous PreviousIndex) (csum [32]byte, err error) {
	if err := w.sess.CreateDynamicIndex(archive); err != nil {
		return csum, err
	}

	type result struct {
		digest [32]byte
	}
	results := make([]result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, w.inFlight)

	for i, c := range chunks {
		i, c := i, c
		digest := cryptoconf.ComputeDigest(c.Plaintext)

		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return csum, g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			if previous != nil && previous.Has(digest) {
				if w.sess.KnownChunk(digest) {
					results[i] = result{digest: digest}
					return nil
				}
			}
			d, _, _, err := w.sess.UploadChunk(gctx, c.Plaintext)
			if err != nil {
				return fmt.Errorf("client: upload chunk %d: %w", i, err)
			}
			results[i] = result{digest: d}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return csum, err
	}

	h := w.csumHasher()
	for i, c := range chunks {
		if err := w.sess.DynamicAppend(archive, results[i].digest, c.EndOffset); err != nil {
			return csum, fmt.Errorf("client: append chunk %d: %w", i, err)
		}
		writeCsumRecord(h, c.EndOffset, results[i].digest)
	}
	copy(csum[:], h.Sum(nil))
	return csum, nil
}

// PreviousIndex is the minimal view BackupWriter needs of a previous
// snapshot's index to drive the differential-speedup path: "does this
// digest already appear in the prior snapshot".
type PreviousIndex interface {
	Has(digest [32]byte) bool
}

// previousIndexSet is a PreviousIndex backed by a plain set, built once
// from a downloaded index's digest list.
type previousIndexSet struct {
	mu     sync.RWMutex
	digests map[[32]byte]struct{}
}

// NewPreviousIndexSet builds a PreviousIndex from a flat digest list, as
// read back from session.BackupSession.Previous.
func NewPreviousIndexSet(digests [][32]byte) PreviousIndex {
	set := make(map[[32]byte]struct{}, len(digests))
	for _, d := range digests {
		set[d] = struct{}{}
	}
	return &previousIndexSet{digests: set}
}

func (s *previousIndexSet) Has(digest [32]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.digests[digest]
	return ok
}
