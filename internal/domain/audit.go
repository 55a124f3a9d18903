package domain

import "time"

// Action tags an audit entry with the state-changing operation it records.
type Action string

const (
	ActionCreate           Action = "create"
	ActionProvisionSuccess Action = "provision_success"
	ActionProvisionFailed  Action = "provision_failed"
	ActionDeleteStart      Action = "delete_start"
	ActionDeleteSuccess    Action = "delete_success"
	ActionDeleteFailed     Action = "delete_failed"
)

// IPSystem is the sentinel caller address for background transitions.
const IPSystem = "system"

// AuditEntry is an immutable record of one state-changing action.
// Entries are never mutated or deleted; they are the system's only
// permanent history.
type AuditEntry struct {
	ID        int64
	StoreID   string // empty for system-wide events
	Action    Action
	Details   map[string]any
	IPAddress string
	CreatedAt time.Time
}
