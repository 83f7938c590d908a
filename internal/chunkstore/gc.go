package chunkstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultMinAtimeDelta is the conservative default GC safety margin of
// spec.md §9 Open Question (b): a chunk's mtime must be at least this old
// before sweep will consider it dead. 24h, as the spec recommends.
const DefaultMinAtimeDelta = 24 * time.Hour

// Report summarizes one GC run, per spec.md §4.7.
type Report struct {
	BytesBefore   int64
	BytesAfter    int64
	ChunksRemoved int
	IndexesScanned int
	Errors        int
	Duration      time.Duration
	Aborted       bool
}

// IndexEnumerator yields every chunk digest referenced by every index file
// under every namespace of a datastore. It is supplied by internal/datastore
// so that chunkstore itself has no knowledge of the namespace/snapshot tree.
type IndexEnumerator func(ctx context.Context, yield func(digest [32]byte) error) (indexesScanned int, err error)

// Mark walks every digest yielded by enumerate and conditionally touches it
// in the store, so a subsequent Sweep treats it as live. now is the
// reference time for cutoff computation; epsilon narrows the touch
// threshold so repeated touches across many indices in the same mark pass
// are cheap no-ops (spec.md §4.7).
func (s *Store) Mark(ctx context.Context, now time.Time, epsilon time.Duration, enumerate IndexEnumerator) (indexesScanned int, errCount int, err error) {
	threshold := now.Add(-epsilon)
	indexesScanned, err = enumerate(ctx, func(digest [32]byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		existed, terr := s.CondTouchChunk(digest, threshold)
		if terr != nil {
			errCount++
			s.logger.Error("gc mark: touch failed", "digest", hex.EncodeToString(digest[:]), "error", terr)
			return nil
		}
		if !existed {
			// A live index referencing a chunk the store doesn't have is a
			// datastore integrity problem, not a GC bug: count it but keep
			// marking so sweep still gets an accurate cutoff for the rest.
			errCount++
		}
		return nil
	})
	return indexesScanned, errCount, err
}

// Sweep walks every shard and unlinks any chunk whose mtime is older than
// cutoff. It never unlinks a chunk whose mtime is at or after cutoff: a
// chunk concurrently inserted by a writer while GC is running always has a
// fresh mtime and is therefore preserved (spec.md §4.7, §5). abort is
// polled between subdirectories; on cancellation the report reflects
// exactly the subdirectories swept so far — sweep either ran to completion
// on a shard or did not touch it.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time, markErrors int) (*Report, error) {
	report := &Report{}
	start := time.Now()

	for i := 0; i < 256; i++ {
		select {
		case <-ctx.Done():
			report.Aborted = true
			report.Duration = time.Since(start)
			return report, nil
		default:
		}

		shard := filepath.Join(s.root, hex.EncodeToString([]byte{byte(i)}))
		entries, err := os.ReadDir(shard)
		if err != nil {
			report.Errors++
			s.logger.Error("gc sweep: read shard failed", "shard", shard, "error", err)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				report.Errors++
				continue
			}
			report.BytesBefore += info.Size()

			if info.ModTime().Before(cutoff) {
				path := filepath.Join(shard, entry.Name())
				if err := os.Remove(path); err != nil {
					report.Errors++
					s.logger.Error("gc sweep: remove failed", "path", path, "error", err)
					report.BytesAfter += info.Size()
					continue
				}
				report.ChunksRemoved++
				continue
			}
			report.BytesAfter += info.Size()
		}
	}

	report.Errors += markErrors
	report.Duration = time.Since(start)
	return report, nil
}

// RunGC performs a full mark-and-sweep pass: mark every chunk reachable
// through enumerate, then sweep anything whose mtime fell behind
// now-minAtimeDelta. A GC run with any mark or read errors never unlinks a
// chunk it could not positively verify as live through its index path
// (spec.md §7): it simply counts the error and leaves that chunk for a
// later run.
func (s *Store) RunGC(ctx context.Context, minAtimeDelta time.Duration, enumerate IndexEnumerator) (*Report, error) {
	now := time.Now()
	const markEpsilon = 5 * time.Minute

	indexesScanned, markErrors, err := s.Mark(ctx, now, markEpsilon, enumerate)
	if err != nil {
		return nil, fmt.Errorf("gc: mark: %w", err)
	}

	cutoff := now.Add(-minAtimeDelta)
	report, err := s.Sweep(ctx, cutoff, markErrors)
	if err != nil {
		return nil, fmt.Errorf("gc: sweep: %w", err)
	}
	report.IndexesScanned = indexesScanned
	return report, nil
}
