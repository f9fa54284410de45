package models

import "time"

// SyncResult is the outcome of the last sync attempt of a source.
type SyncResult string

const (
	SyncSuccess SyncResult = "Success"
	SyncFailed  SyncResult = "Failed"
)

// SourceState is the live state of a source inside the scheduler.
type SourceState string

const (
	StateIdle    SourceState = "Idle"
	StateRunning SourceState = "Running"
)

type SourceSyncStatus struct {
	Source      Source     `db:"source_type" json:"source"`
	Enabled     bool       `db:"enabled" json:"enabled"`
	LastSyncAt  *time.Time `db:"last_sync_at" json:"last_sync_at"`       // Nil until the first attempt
	LastStatus  *string    `db:"last_status" json:"last_status"`         // Success or Failed
	LastError   *string    `db:"last_error" json:"last_error,omitempty"` // Nil after a successful attempt
	ItemsStored int64      `db:"items_stored" json:"items_stored"`

	// Live fields, not persisted
	State     SourceState `db:"-" json:"state"`
	Available bool        `db:"-" json:"available"`
}
