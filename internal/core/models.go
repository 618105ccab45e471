package core

import "time"

// LeaseStatus is the lifecycle state recorded on a lease row.
type LeaseStatus string

const (
	LeaseHeld LeaseStatus = "held"
)

// Lease is a TTL-bounded advisory claim on a single work identifier
// (typically a trading symbol). At most one unexpired lease exists per
// identifier; the database's primary key adjudicates races.
type Lease struct {
	ID         string
	HolderID   string
	Hostname   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Status     LeaseStatus
}

// Expired reports whether the lease's TTL has elapsed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// BackupInfo describes one timestamped backup file beside the live database.
type BackupInfo struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// HealthState classifies the on-disk database.
type HealthState int

const (
	HealthOK HealthState = iota
	HealthCorrupt
	HealthUnreadable
)

// String returns the string representation of the health state.
func (s HealthState) String() string {
	switch s {
	case HealthOK:
		return "ok"
	case HealthCorrupt:
		return "corrupt"
	case HealthUnreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// HealthReport is the result of an integrity check. Details is human-readable
// and only populated when State is not HealthOK.
type HealthReport struct {
	State   HealthState
	Details string
}

// OK reports whether the database passed the check. A missing file counts as
// healthy: absence is a valid pre-creation state, not corruption.
func (r HealthReport) OK() bool { return r.State == HealthOK }

// AlertKind identifies an operator-actionable condition.
type AlertKind string

const (
	AlertBackupFailed        AlertKind = "backup_failed"
	AlertCorruptionUnrepaired AlertKind = "corruption_unrepaired"
)

// Alert is a notification emitted for conditions that require manual
// intervention. All other fault conditions resolve automatically and are at
// most logged.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Detail   string    `json:"detail"`
	Database string    `json:"database"`
	Hostname string    `json:"hostname"`
	At       time.Time `json:"at"`
}
