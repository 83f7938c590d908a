package datastore

import "gastrolog/internal/backuperr"

// Mode is a datastore's maintenance state (spec.md §4.7).
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeReadOnly Mode = "read-only"
	ModeOffline  Mode = "offline"
)

// OperationKind distinguishes read-only operations (which survive
// read-only maintenance mode) from writes (which don't).
type OperationKind int

const (
	OpRead OperationKind = iota
	OpWrite
)

// MaintenanceState holds the current mode and its operator-facing message.
type MaintenanceState struct {
	Mode    Mode
	Message string
}

// Check returns a MaintenanceBlocked StatusError if kind is not permitted
// under the current mode, carrying the configured message.
func (s MaintenanceState) Check(kind OperationKind) error {
	switch s.Mode {
	case ModeOffline:
		return backuperr.Maintenance(s.Message)
	case ModeReadOnly:
		if kind == OpWrite {
			return backuperr.Maintenance(s.Message)
		}
		return nil
	default:
		return nil
	}
}
