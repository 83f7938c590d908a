// Package file provides a section-config-backed Store implementation
// (spec.md §6.3): the whole document lives in one file, parsed and
// rendered by internal/config/sectionconfig. All mutations load the full
// file, mutate in memory, and atomically flush the entire file via
// temp-file-then-rename, the same discipline the teacher's chunk store
// uses for every durable write.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gastrolog/internal/config"
	"gastrolog/internal/config/sectionconfig"
)

// Store is a file-based config.Store implementation.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore creates a Store backed by the section-config file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads and parses the config file, returning an empty Config, not an
// error, when the file does not exist yet (load-on-start semantics).
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config.Config{}, nil
		}
		return nil, fmt.Errorf("file: open config: %w", err)
	}
	defer f.Close()

	sections, err := sectionconfig.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("file: parse config: %w", err)
	}
	return fromSections(sections), nil
}

// Save atomically rewrites the config file from cfg.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("file: create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("file: create temp config: %w", err)
	}
	if err := sectionconfig.Write(f, toSections(cfg)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("file: write temp config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("file: close temp config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("file: rename config into place: %w", err)
	}
	return nil
}

func toSections(cfg *config.Config) []sectionconfig.Section {
	var out []sectionconfig.Section
	for _, d := range cfg.DataStores {
		sec := sectionconfig.Section{Type: "datastore", ID: d.Name}
		sec.Set("path", d.Path)
		if d.GCSchedule != "" {
			sec.Set("gc-schedule", d.GCSchedule)
		}
		if d.PruneSchedule != "" {
			sec.Set("prune-schedule", d.PruneSchedule)
		}
		if d.PruneJobID != "" {
			sec.Set("prune-job", d.PruneJobID)
		}
		if d.MaintenanceMode != "" {
			sec.Set("maintenance-mode", d.MaintenanceMode)
		}
		if d.MaintenanceMessage != "" {
			sec.Set("maintenance-message", d.MaintenanceMessage)
		}
		if d.NotificationMode != "" {
			sec.Set("notification-mode", d.NotificationMode)
		}
		if d.KeyFile != "" {
			sec.Set("key-file", d.KeyFile)
		}
		out = append(out, sec)
	}
	for _, r := range cfg.Remotes {
		sec := sectionconfig.Section{Type: "remote", ID: r.ID}
		sec.Set("host", r.Host)
		sec.Set("auth-id", r.AuthID)
		sec.Set("fingerprint", r.Fingerprint)
		out = append(out, sec)
	}
	for _, sy := range cfg.SyncJobs {
		sec := sectionconfig.Section{Type: "sync", ID: sy.ID}
		sec.Set("remote", sy.RemoteID)
		sec.Set("store", sy.Store)
		sec.Set("schedule", sy.Schedule)
		out = append(out, sec)
	}
	for _, p := range cfg.PruneJobs {
		sec := sectionconfig.Section{Type: "prune", ID: p.ID}
		setIntIfNonZero(&sec, "keep-last", p.KeepLast)
		setIntIfNonZero(&sec, "keep-daily", p.KeepDaily)
		setIntIfNonZero(&sec, "keep-weekly", p.KeepWeekly)
		setIntIfNonZero(&sec, "keep-monthly", p.KeepMonthly)
		setIntIfNonZero(&sec, "keep-yearly", p.KeepYearly)
		out = append(out, sec)
	}
	for _, tc := range cfg.TrafficControl {
		sec := sectionconfig.Section{Type: "traffic-control", ID: tc.ID}
		sec.Set("rate", strconv.FormatInt(tc.RateBytesPerSecond, 10))
		sec.Set("burst", strconv.FormatInt(tc.BurstBytes, 10))
		out = append(out, sec)
	}
	return out
}

func setIntIfNonZero(sec *sectionconfig.Section, key string, v int) {
	if v != 0 {
		sec.Set(key, strconv.Itoa(v))
	}
}

func fromSections(sections []sectionconfig.Section) *config.Config {
	cfg := &config.Config{}
	for _, sec := range sections {
		switch sec.Type {
		case "datastore":
			d := config.DataStoreConfig{Name: sec.ID}
			d.Path, _ = sec.Get("path")
			d.GCSchedule, _ = sec.Get("gc-schedule")
			d.PruneSchedule, _ = sec.Get("prune-schedule")
			d.PruneJobID, _ = sec.Get("prune-job")
			d.MaintenanceMode, _ = sec.Get("maintenance-mode")
			d.MaintenanceMessage, _ = sec.Get("maintenance-message")
			d.NotificationMode, _ = sec.Get("notification-mode")
			d.KeyFile, _ = sec.Get("key-file")
			cfg.DataStores = append(cfg.DataStores, d)
		case "remote":
			r := config.RemoteConfig{ID: sec.ID}
			r.Host, _ = sec.Get("host")
			r.AuthID, _ = sec.Get("auth-id")
			r.Fingerprint, _ = sec.Get("fingerprint")
			cfg.Remotes = append(cfg.Remotes, r)
		case "sync":
			sy := config.SyncJobConfig{ID: sec.ID}
			sy.RemoteID, _ = sec.Get("remote")
			sy.Store, _ = sec.Get("store")
			sy.Schedule, _ = sec.Get("schedule")
			cfg.SyncJobs = append(cfg.SyncJobs, sy)
		case "prune":
			p := config.PruneJobConfig{ID: sec.ID}
			p.KeepLast = getInt(sec, "keep-last")
			p.KeepDaily = getInt(sec, "keep-daily")
			p.KeepWeekly = getInt(sec, "keep-weekly")
			p.KeepMonthly = getInt(sec, "keep-monthly")
			p.KeepYearly = getInt(sec, "keep-yearly")
			cfg.PruneJobs = append(cfg.PruneJobs, p)
		case "traffic-control":
			tc := config.TrafficControlConfig{ID: sec.ID}
			tc.RateBytesPerSecond = getInt64(sec, "rate")
			tc.BurstBytes = getInt64(sec, "burst")
			cfg.TrafficControl = append(cfg.TrafficControl, tc)
		}
	}
	return cfg
}

func getInt(sec sectionconfig.Section, key string) int {
	v, ok := sec.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func getInt64(sec sectionconfig.Section, key string) int64 {
	v, ok := sec.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
