package datastore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// activeOpEntry is one row of the active-operations table (spec.md §9). It
// records the owning process's pid and start time; an entry whose pid is no
// longer alive is treated as the stale leftover of a crashed process.
type activeOpEntry struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
	Datastore string    `json:"datastore"`
	Kind      string    `json:"kind"` // "reader" or "writer"
	Since     time.Time `json:"since"`
}

// ActiveOps is the process-global table of in-flight read/write operations
// across all datastores this process has opened. It is the only piece of
// global state in the design (spec.md §9): "to inform maintenance-mode
// transitions and GC eligibility."
type ActiveOps struct {
	mu      sync.Mutex
	path    string
	pid     int
	started time.Time
	entries map[int64]activeOpEntry
	nextID  int64
}

// OpenActiveOps loads (or initializes) the active-operations file at path,
// pruning any entries whose process is no longer alive.
func OpenActiveOps(path string) (*ActiveOps, error) {
	a := &ActiveOps{
		path:    path,
		pid:     os.Getpid(),
		started: time.Now(),
		entries: make(map[int64]activeOpEntry),
	}
	data, err := os.ReadFile(path)
	if err == nil {
		var stored map[int64]activeOpEntry
		if jerr := json.Unmarshal(data, &stored); jerr == nil {
			for id, e := range stored {
				if processAlive(e.PID) {
					a.entries[id] = e
					if id >= a.nextID {
						a.nextID = id + 1
					}
				}
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := a.persistLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

// processAlive reports whether pid still names a running process, by the
// standard Unix idiom of sending signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Begin registers one in-flight operation and returns a handle to End it.
func (a *ActiveOps) Begin(datastore, kind string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.entries[id] = activeOpEntry{
		PID:       a.pid,
		StartTime: a.started,
		Datastore: datastore,
		Kind:      kind,
		Since:     time.Now(),
	}
	return id, a.persistLocked()
}

// End removes a previously-registered operation.
func (a *ActiveOps) End(id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, id)
	return a.persistLocked()
}

// CountForDatastore returns the number of active operations against a
// given datastore path, split by kind.
func (a *ActiveOps) CountForDatastore(datastore string) (readers, writers int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.Datastore != datastore {
			continue
		}
		if e.Kind == "writer" {
			writers++
		} else {
			readers++
		}
	}
	return readers, writers
}

func (a *ActiveOps) persistLocked() error {
	data, err := json.Marshal(a.entries)
	if err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
