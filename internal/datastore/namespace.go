package datastore

import (
	"strconv"
	"strings"

	"gastrolog/internal/backuperr"
)

// BackupType enumerates the snapshot kinds named in spec.md §3.
type BackupType string

const (
	BackupTypeVM   BackupType = "vm"
	BackupTypeCT   BackupType = "ct"
	BackupTypeHost BackupType = "host"
)

func validBackupType(t BackupType) bool {
	switch t {
	case BackupTypeVM, BackupTypeCT, BackupTypeHost:
		return true
	default:
		return false
	}
}

// isSafeIdentifier validates a backup-id or namespace path segment per
// spec.md §3: letters, digits, dot, dash, underscore; must not start with a
// dot; must not contain a slash (segments are split by the caller, so a
// slash here would smuggle a path traversal).
func isSafeIdentifier(s string) bool {
	if s == "" || s[0] == '.' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// Namespace is a '/'-separated path of safe identifiers rooted at the
// datastore (spec.md §4.7 "Namespace tree"). The zero value is the root
// namespace.
type Namespace struct {
	segments []string
}

// RootNamespace is the unqualified, top-level namespace.
var RootNamespace = Namespace{}

// ParseNamespace splits and validates a namespace path. An empty string is
// the root namespace.
func ParseNamespace(path string) (Namespace, error) {
	if path == "" {
		return RootNamespace, nil
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if !isSafeIdentifier(p) {
			return Namespace{}, backuperr.ErrBadName
		}
	}
	return Namespace{segments: parts}, nil
}

// String renders the namespace back to its '/'-separated form.
func (n Namespace) String() string { return strings.Join(n.segments, "/") }

// Dir returns the relative directory components for this namespace, to be
// joined under "ns/" at the datastore root.
func (n Namespace) Dir() []string { return n.segments }

// GroupID identifies a group (backup-type, backup-id) within a namespace.
type GroupID struct {
	NS   Namespace
	Type BackupType
	ID   string
}

// Validate checks the group's type and id against spec.md §3.
func (g GroupID) Validate() error {
	if !validBackupType(g.Type) {
		return backuperr.ErrBadName
	}
	if !isSafeIdentifier(g.ID) {
		return backuperr.ErrBadName
	}
	return nil
}

// RelPath returns the group's directory path relative to the datastore
// root, e.g. "ns/tenant-a/host/myhost".
func (g GroupID) RelPath() []string {
	var parts []string
	if len(g.NS.segments) > 0 {
		parts = append(parts, "ns")
		parts = append(parts, g.NS.segments...)
	}
	parts = append(parts, string(g.Type), g.ID)
	return parts
}

// SnapshotID identifies one snapshot: a group plus its creation time,
// expressed as epoch seconds UTC per spec.md §3.
type SnapshotID struct {
	Group GroupID
	Time  int64
}

// RelPath returns the snapshot directory's path relative to the datastore
// root.
func (s SnapshotID) RelPath() []string {
	t := s.Time
	if t < 0 {
		t = 0
	}
	return append(s.Group.RelPath(), strconv.FormatInt(t, 10))
}
