// Package datastore implements C7 of spec.md §4.7: a namespaced hierarchy
// of snapshots layered over a ChunkStore, with maintenance-mode
// enforcement, advisory locking, scheduled GC/prune, and the process-global
// active-operations table of spec.md §9.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"gastrolog/internal/backuperr"
	"gastrolog/internal/chunkstore"
	"gastrolog/internal/cryptoconf"
	"gastrolog/internal/index"
	"gastrolog/internal/logging"
)

// Config describes one datastore, matching the parsed DataStoreConfig
// struct spec.md §6.3 hands the core ({name, path, gc-schedule?,
// prune-schedule?, maintenance-mode?, notification-mode?}); notification
// delivery itself is out of scope (spec.md §1).
type Config struct {
	Name               string
	Path               string
	GCSchedule         string // cron expression; empty disables scheduled GC
	PruneSchedule      string // cron expression; empty disables scheduled prune
	PrunePolicy        PrunePolicy // applied to every group when PruneSchedule is set
	MaintenanceMode    Mode
	MaintenanceMessage string
	RequireSignedManifest bool
	MinAtimeDelta      time.Duration // GC safety margin (spec.md §9 Open Question (b))
	Crypt              *cryptoconf.Config // nil for an unencrypted datastore
	Logger             *slog.Logger
}

// DataStore owns one ChunkStore plus its namespace tree.
type DataStore struct {
	cfg       Config
	root      string
	chunks    *chunkstore.Store
	activeOps *ActiveOps
	scheduler gocron.Scheduler
	crypt     *cryptoconf.Config
	logger    *slog.Logger

	mu          sync.RWMutex
	maintenance MaintenanceState
}

// Open prepares a DataStore rooted at cfg.Path, opening its ChunkStore and,
// if schedules are set, registering GC/prune cron jobs.
func Open(cfg Config) (*DataStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("datastore: path is required")
	}
	if cfg.MinAtimeDelta <= 0 {
		cfg.MinAtimeDelta = chunkstore.DefaultMinAtimeDelta
	}
	logger := logging.Default(cfg.Logger).With("component", "datastore", "name", cfg.Name)

	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("datastore: create root: %w", err)
	}
	chunks, err := chunkstore.Open(filepath.Join(cfg.Path, ".chunks"), logger)
	if err != nil {
		return nil, fmt.Errorf("datastore: open chunk store: %w", err)
	}
	activeOps, err := OpenActiveOps(filepath.Join(cfg.Path, ".active-ops.json"))
	if err != nil {
		return nil, fmt.Errorf("datastore: open active-ops table: %w", err)
	}

	ds := &DataStore{
		cfg:       cfg,
		root:      cfg.Path,
		chunks:    chunks,
		activeOps: activeOps,
		crypt:     cfg.Crypt,
		logger:    logger,
		maintenance: MaintenanceState{
			Mode:    cfg.MaintenanceMode,
			Message: cfg.MaintenanceMessage,
		},
	}

	if cfg.GCSchedule != "" || cfg.PruneSchedule != "" {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return nil, fmt.Errorf("datastore: create scheduler: %w", err)
		}
		ds.scheduler = sched
		if cfg.GCSchedule != "" {
			if _, err := sched.NewJob(
				gocron.CronJob(cfg.GCSchedule, false),
				gocron.NewTask(func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
					defer cancel()
					if _, err := ds.RunGC(ctx); err != nil {
						ds.logger.Error("scheduled gc failed", "error", err)
					}
				}),
				gocron.WithName(cfg.Name+"-gc"),
			); err != nil {
				return nil, fmt.Errorf("datastore: schedule gc: %w", err)
			}
		}
		if cfg.PruneSchedule != "" && cfg.PrunePolicy != nil {
			if _, err := sched.NewJob(
				gocron.CronJob(cfg.PruneSchedule, false),
				gocron.NewTask(func() {
					if _, err := ds.PruneAllGroups(cfg.PrunePolicy, time.Now()); err != nil {
						ds.logger.Error("scheduled prune failed", "error", err)
					}
				}),
				gocron.WithName(cfg.Name+"-prune"),
			); err != nil {
				return nil, fmt.Errorf("datastore: schedule prune: %w", err)
			}
		}
		sched.Start()
	}

	return ds, nil
}

// Close shuts down the datastore's scheduler, if any.
func (ds *DataStore) Close() error {
	if ds.scheduler != nil {
		return ds.scheduler.Shutdown()
	}
	return nil
}

// ChunkStore returns the underlying ChunkStore.
func (ds *DataStore) ChunkStore() *chunkstore.Store { return ds.chunks }

// Crypt returns this datastore's key config, or nil if it is unencrypted.
// A session handler uses this to populate session.Opts.Crypt /
// session.ReaderOpts.Crypt for every session it opens against this store.
func (ds *DataStore) Crypt() *cryptoconf.Config { return ds.crypt }

// SetMaintenance updates the maintenance mode and message.
func (ds *DataStore) SetMaintenance(mode Mode, message string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.maintenance = MaintenanceState{Mode: mode, Message: message}
}

// CheckOperation enforces maintenance mode for an operation of the given
// kind (spec.md §4.7).
func (ds *DataStore) CheckOperation(kind OperationKind) error {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.maintenance.Check(kind)
}

// BeginOperation checks maintenance mode, acquires the shared
// chunk-store-in-use lock, and registers an active-ops entry. The returned
// func ends the operation and must be called exactly once.
func (ds *DataStore) BeginOperation(ctx context.Context, kind OperationKind) (func(), error) {
	if err := ds.CheckOperation(kind); err != nil {
		return nil, err
	}
	lock, err := acquireFlock(ctx, filepath.Join(ds.root, lockFileName(KindChunkStoreInUse)), modeForKind(KindChunkStoreInUse), DefaultLockTimeout)
	if err != nil {
		return nil, err
	}
	opKind := "reader"
	if kind == OpWrite {
		opKind = "writer"
	}
	id, err := ds.activeOps.Begin(ds.root, opKind)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	return func() {
		_ = ds.activeOps.End(id)
		_ = lock.Release()
	}, nil
}

// AcquireBackupWriterLock enforces "at most one concurrent writer per
// (group, snapshot-time)" (spec.md §4.8 invariant 1). The caller receives
// ErrAlreadyInProgress, not ErrLockTimeout, when the lock is already held —
// a second writer for the same snapshot is a protocol violation, not a
// transient contention case.
func (ds *DataStore) AcquireBackupWriterLock(ctx context.Context, snap SnapshotID) (*Lock, error) {
	dir := filepath.Join(append([]string{ds.root}, snap.RelPath()...)...)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("datastore: create snapshot tmp dir: %w", err)
	}
	lock, err := acquireFlock(ctx, filepath.Join(dir, lockFileName(KindBackupWriter)), modeForKind(KindBackupWriter), 0)
	if err != nil {
		if err == backuperr.ErrLockTimeout {
			return nil, backuperr.ErrAlreadyInProgress
		}
		return nil, err
	}
	return lock, nil
}

// indexFileExtensions are the on-disk suffixes of the two index shapes
// (spec.md §6.4).
var indexFileExtensions = []string{".didx", ".fidx"}

// EnumerateIndexes implements chunkstore.IndexEnumerator by walking every
// namespace's snapshot tree and reading every index file found, yielding
// each referenced digest. This is GC's mark-phase root set (spec.md §4.7:
// "enumerate every index file under every namespace").
func (ds *DataStore) EnumerateIndexes(ctx context.Context, yield func(digest [32]byte) error) (int, error) {
	scanned := 0
	err := filepath.WalkDir(ds.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries, GC still reports
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".chunks" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		isIndex := false
		for _, e := range indexFileExtensions {
			if ext == e {
				isIndex = true
				break
			}
		}
		if !isIndex {
			return nil
		}
		scanned++
		idx, readErr := readIndexFile(path, ext)
		if readErr != nil {
			ds.logger.Error("gc: failed to read index during mark", "path", path, "error", readErr)
			return nil
		}
		for i := 0; i < idx.Count(); i++ {
			if err := yield(idx.Digest(i)); err != nil {
				return err
			}
		}
		return nil
	})
	return scanned, err
}

// readIndexFile parses an index file for its digest set only. It does not
// verify the on-disk checksum: GC's mark phase has no per-datastore key
// here, and gating enumeration on a keyed csum match would let an
// encrypted-with-different-key index's chunks go unmarked and be swept as
// orphans out from under a live snapshot.
func readIndexFile(path, ext string) (index.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if ext == ".didx" {
		return index.ReadDynamicIndexUnverified(f)
	}
	return index.ReadFixedIndexUnverified(f)
}

// RunGC performs one mark-and-sweep pass under the exclusive gc lock
// (spec.md §4.7) and persists its report to .gc-status (spec.md §6.4).
func (ds *DataStore) RunGC(ctx context.Context) (*chunkstore.Report, error) {
	lock, err := acquireFlock(ctx, filepath.Join(ds.root, lockFileName(KindGC)), modeForKind(KindGC), DefaultLockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	report, err := ds.chunks.RunGC(ctx, ds.cfg.MinAtimeDelta, ds.EnumerateIndexes)
	if err != nil {
		return nil, err
	}
	ds.persistGCStatus(report)
	return report, nil
}

type gcStatusJSON struct {
	BytesBefore    int64  `json:"bytes_before"`
	BytesAfter     int64  `json:"bytes_after"`
	ChunksRemoved  int    `json:"chunks_removed"`
	IndexesScanned int    `json:"indexes_scanned"`
	Errors         int    `json:"errors"`
	DurationMillis int64  `json:"duration_ms"`
	Aborted        bool   `json:"aborted"`
	RanAt          string `json:"ran_at"`
}

func (ds *DataStore) persistGCStatus(report *chunkstore.Report) {
	status := gcStatusJSON{
		BytesBefore:    report.BytesBefore,
		BytesAfter:     report.BytesAfter,
		ChunksRemoved:  report.ChunksRemoved,
		IndexesScanned: report.IndexesScanned,
		Errors:         report.Errors,
		DurationMillis: report.Duration.Milliseconds(),
		Aborted:        report.Aborted,
		RanAt:          time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		ds.logger.Error("gc: marshal status", "error", err)
		return
	}
	path := filepath.Join(ds.root, ".gc-status")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		ds.logger.Error("gc: write status", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		ds.logger.Error("gc: rename status", "error", err)
	}
}

// ListSnapshots walks a group's directory and parses its epoch-named
// snapshot subdirectories.
func (ds *DataStore) ListSnapshots(group GroupID) ([]SnapshotMeta, error) {
	dir := filepath.Join(append([]string{ds.root}, group.RelPath()...)...)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []SnapshotMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		epoch, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, SnapshotMeta{
			ID: SnapshotID{Group: group, Time: epoch},
			At: time.Unix(epoch, 0).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Prune applies policy to a group's snapshot series and removes the
// snapshot directories it selects. GC later reclaims their chunks (spec.md
// §4.7: "pruning deletes snapshot directories but relies on GC to reclaim
// chunks").
func (ds *DataStore) Prune(group GroupID, policy PrunePolicy, now time.Time) ([]SnapshotID, error) {
	snapshots, err := ds.ListSnapshots(group)
	if err != nil {
		return nil, err
	}
	toRemove := policy.Apply(GroupState{Snapshots: snapshots, Now: now})
	for _, id := range toRemove {
		dir := filepath.Join(append([]string{ds.root}, id.RelPath()...)...)
		if err := os.RemoveAll(dir); err != nil {
			ds.logger.Error("prune: remove snapshot dir failed", "dir", dir, "error", err)
			continue
		}
	}
	return toRemove, nil
}

// ListGroups discovers every (namespace, type, id) group present on disk by
// walking the datastore tree — listing is purely filesystem-driven, per
// spec.md §4.7.
func (ds *DataStore) ListGroups() ([]GroupID, error) {
	var groups []GroupID
	var walk func(ns Namespace, dir string) error
	walk = func(ns Namespace, dir string) error {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() || e.Name() == ".chunks" {
				continue
			}
			bt := BackupType(e.Name())
			if !validBackupType(bt) {
				if e.Name() == "ns" {
					nsDir := filepath.Join(dir, "ns")
					nsEntries, err := os.ReadDir(nsDir)
					if err != nil {
						continue
					}
					for _, nsEntry := range nsEntries {
						if !nsEntry.IsDir() {
							continue
						}
						child := Namespace{segments: append(append([]string(nil), ns.segments...), nsEntry.Name())}
						if err := walk(child, filepath.Join(nsDir, nsEntry.Name())); err != nil {
							return err
						}
					}
				}
				continue
			}
			ids, err := os.ReadDir(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			for _, idEntry := range ids {
				if !idEntry.IsDir() {
					continue
				}
				groups = append(groups, GroupID{NS: ns, Type: bt, ID: idEntry.Name()})
			}
		}
		return nil
	}
	if err := walk(RootNamespace, ds.root); err != nil {
		return nil, err
	}
	return groups, nil
}

// PruneAllGroups applies policy uniformly to every group discovered via
// ListGroups.
func (ds *DataStore) PruneAllGroups(policy PrunePolicy, now time.Time) (map[GroupID][]SnapshotID, error) {
	groups, err := ds.ListGroups()
	if err != nil {
		return nil, err
	}
	removed := make(map[GroupID][]SnapshotID, len(groups))
	for _, g := range groups {
		ids, err := ds.Prune(g, policy, now)
		if err != nil {
			ds.logger.Error("prune: group failed", "group", g.RelPath(), "error", err)
			continue
		}
		if len(ids) > 0 {
			removed[g] = ids
		}
	}
	return removed, nil
}

// Root returns the datastore's root directory.
func (ds *DataStore) Root() string { return ds.root }
