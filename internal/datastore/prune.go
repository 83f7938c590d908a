package datastore

import (
	"fmt"
	"sort"
	"time"
)

// SnapshotMeta is the information a PrunePolicy needs to decide whether a
// snapshot survives: its identity and creation time. No IO.
type SnapshotMeta struct {
	ID SnapshotID
	At time.Time
}

// GroupState is an immutable snapshot of one group's snapshot series,
// sorted oldest-first, mirroring the teacher's VaultState pattern for
// retention decisions (internal/chunk/retention.go).
type GroupState struct {
	Snapshots []SnapshotMeta
	Now       time.Time
}

// PrunePolicy decides which snapshots in a group should be removed
// (spec.md §4.7 "Pruning": last-N/daily/weekly/monthly/yearly). Policies
// are pure functions: no IO, no locks, no mutation.
type PrunePolicy interface {
	Apply(state GroupState) []SnapshotID
}

// CompositePrunePolicy unions the removal sets of its sub-policies, same
// semantics as the teacher's CompositeRetentionPolicy.
type CompositePrunePolicy struct {
	policies []PrunePolicy
}

func NewCompositePrunePolicy(policies ...PrunePolicy) *CompositePrunePolicy {
	return &CompositePrunePolicy{policies: policies}
}

func (c *CompositePrunePolicy) Apply(state GroupState) []SnapshotID {
	seen := make(map[int64]struct{})
	var result []SnapshotID
	for _, p := range c.policies {
		for _, id := range p.Apply(state) {
			if _, ok := seen[id.Time]; !ok {
				seen[id.Time] = struct{}{}
				result = append(result, id)
			}
		}
	}
	return result
}

// KeepLastPolicy keeps the N newest snapshots, removing the rest.
type KeepLastPolicy struct{ N int }

func (p KeepLastPolicy) Apply(state GroupState) []SnapshotID {
	if p.N <= 0 || len(state.Snapshots) <= p.N {
		return nil
	}
	excess := len(state.Snapshots) - p.N
	result := make([]SnapshotID, excess)
	for i := 0; i < excess; i++ {
		result[i] = state.Snapshots[i].ID
	}
	return result
}

// bucketKeepPolicy is the shared implementation behind daily/weekly/
// monthly/yearly retention: keep the newest snapshot in each of the most
// recent N buckets (as defined by bucketKey), removing snapshots in
// older/duplicate buckets beyond the kept count.
type bucketKeepPolicy struct {
	n        int
	bucketOf func(time.Time) string
}

func (p bucketKeepPolicy) Apply(state GroupState) []SnapshotID {
	if p.n <= 0 {
		return nil
	}
	// Walk newest-first, keep the first snapshot seen per bucket, until n
	// distinct buckets are kept; mark everything else for removal.
	sorted := append([]SnapshotMeta(nil), state.Snapshots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At.After(sorted[j].At) })

	keep := make(map[int64]struct{})
	seenBuckets := make(map[string]struct{})
	for _, s := range sorted {
		b := p.bucketOf(s.At)
		if _, ok := seenBuckets[b]; ok {
			continue
		}
		if len(seenBuckets) >= p.n {
			continue
		}
		seenBuckets[b] = struct{}{}
		keep[s.ID.Time] = struct{}{}
	}

	var result []SnapshotID
	for _, s := range state.Snapshots {
		if _, ok := keep[s.ID.Time]; !ok {
			result = append(result, s.ID)
		}
	}
	return result
}

// NewKeepDailyPolicy keeps the newest snapshot from each of the last n
// distinct calendar days.
func NewKeepDailyPolicy(n int) PrunePolicy {
	return bucketKeepPolicy{n: n, bucketOf: func(t time.Time) string {
		y, m, d := t.UTC().Date()
		return dateKey(y, int(m), d)
	}}
}

// NewKeepWeeklyPolicy keeps the newest snapshot from each of the last n
// distinct ISO weeks.
func NewKeepWeeklyPolicy(n int) PrunePolicy {
	return bucketKeepPolicy{n: n, bucketOf: func(t time.Time) string {
		y, w := t.UTC().ISOWeek()
		return dateKey(y, w, 0)
	}}
}

// NewKeepMonthlyPolicy keeps the newest snapshot from each of the last n
// distinct calendar months.
func NewKeepMonthlyPolicy(n int) PrunePolicy {
	return bucketKeepPolicy{n: n, bucketOf: func(t time.Time) string {
		y, m, _ := t.UTC().Date()
		return dateKey(y, int(m), 0)
	}}
}

// NewKeepYearlyPolicy keeps the newest snapshot from each of the last n
// distinct calendar years.
func NewKeepYearlyPolicy(n int) PrunePolicy {
	return bucketKeepPolicy{n: n, bucketOf: func(t time.Time) string {
		return dateKey(t.UTC().Year(), 0, 0)
	}}
}

func dateKey(a, b, c int) string {
	return fmt.Sprintf("%d-%d-%d", a, b, c)
}
