// Package config layers the reserved section types of spec.md §6.3 over
// the section-config format implemented by internal/config/sectionconfig.
// Configuration is load-on-start only — there is no hot-reload or watcher,
// matching the teacher's own "v1 is load-on-start only" design for its
// config store.
package config

import (
	"context"
	"fmt"

	"gastrolog/internal/datastore"
)

// Store persists and loads the full reserved-section configuration.
type Store interface {
	// Load reads every section from the backing file. Returns an empty
	// Config, not an error, if the file does not exist yet.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config is the declarative union of every reserved section type named in
// spec.md §6.3. Only DataStoreConfig feeds the core directly; the others
// are carried so the format round-trips sections the core does not
// interpret (remote/sync/traffic-control are consumed by out-of-scope
// collaborators per spec.md §1).
type Config struct {
	DataStores     []DataStoreConfig
	Remotes        []RemoteConfig
	SyncJobs       []SyncJobConfig
	PruneJobs      []PruneJobConfig
	TrafficControl []TrafficControlConfig
}

// DataStoreConfig is the struct spec.md §6.3 says the core consumes:
// "{name, path, gc-schedule?, prune-schedule?, maintenance-mode?,
// notification-mode?}". PrunePolicy is not itself a section-config
// primitive; it's resolved from a referenced PruneJobConfig by ID.
type DataStoreConfig struct {
	Name               string
	Path               string
	GCSchedule         string
	PruneSchedule      string
	PruneJobID         string
	MaintenanceMode    string
	MaintenanceMessage string
	NotificationMode   string
	KeyFile            string // path to a cryptoconf key file; empty means unencrypted
}

// RemoteConfig names a remote endpoint for offsite sync (spec.md §6.3); the
// sync operation itself is out of scope, only the config shape is carried.
type RemoteConfig struct {
	ID       string
	Host     string
	AuthID   string
	Fingerprint string
}

// SyncJobConfig schedules a pull from a remote into a local datastore; the
// job runner is an out-of-scope collaborator.
type SyncJobConfig struct {
	ID        string
	RemoteID  string
	Store     string
	Schedule  string
}

// PruneJobConfig names a retention policy by the keep-* fields spec.md §4.7
// describes; internal/datastore.PrunePolicy is built from this by the
// caller that wires a DataStore's scheduled prune job to a PruneJobConfig.
type PruneJobConfig struct {
	ID          string
	KeepLast    int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}

// TrafficControlConfig bounds client bandwidth by a token-bucket rate; the
// rate limiter itself lives in internal/session (golang.org/x/time/rate),
// this struct only carries its configured shape.
type TrafficControlConfig struct {
	ID           string
	RateBytesPerSecond int64
	BurstBytes   int64
}

// ResolveMode maps a DataStoreConfig.MaintenanceMode string to the
// datastore.Mode enum, defaulting to normal operation when unset.
func ResolveMode(s string) (datastore.Mode, error) {
	switch s {
	case "", "normal":
		return datastore.ModeNormal, nil
	case "read-only":
		return datastore.ModeReadOnly, nil
	case "offline":
		return datastore.ModeOffline, nil
	default:
		return "", fmt.Errorf("config: unknown maintenance-mode %q", s)
	}
}

// BuildPrunePolicy turns a PruneJobConfig's keep-* fields into the
// composite policy internal/datastore applies on a scheduled prune.
func BuildPrunePolicy(j PruneJobConfig) datastore.PrunePolicy {
	var policies []datastore.PrunePolicy
	if j.KeepLast > 0 {
		policies = append(policies, datastore.KeepLastPolicy{N: j.KeepLast})
	}
	if j.KeepDaily > 0 {
		policies = append(policies, datastore.NewKeepDailyPolicy(j.KeepDaily))
	}
	if j.KeepWeekly > 0 {
		policies = append(policies, datastore.NewKeepWeeklyPolicy(j.KeepWeekly))
	}
	if j.KeepMonthly > 0 {
		policies = append(policies, datastore.NewKeepMonthlyPolicy(j.KeepMonthly))
	}
	if j.KeepYearly > 0 {
		policies = append(policies, datastore.NewKeepYearlyPolicy(j.KeepYearly))
	}
	if len(policies) == 0 {
		return nil
	}
	return datastore.NewCompositePrunePolicy(policies...)
}
