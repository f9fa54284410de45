package orchestrator

import (
	"time"

	"threatsync/internal/models"
)

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	ID         string         `json:"id"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sources    []SourceReport `json:"sources"`
}

// Stored is the number of threats persisted across all sources.
func (r *CycleReport) Stored() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Stored
	}
	return n
}

// SourceReport counts what happened to the items of one source.
type SourceReport struct {
	Source  models.Source     `json:"source"`
	Skipped bool              `json:"skipped,omitempty"` // Disabled in the status store
	Result  models.SyncResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`

	Fetched    int `json:"fetched"`
	Irrelevant int `json:"irrelevant"`
	Capped     int `json:"capped"`
	Duplicates int `json:"duplicates"`
	Gated      int `json:"gated"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Stored     int `json:"stored"`
	Failed     int `json:"failed"`
	Fallbacks  int `json:"fallbacks"`

	Duration time.Duration `json:"duration_ns"`
}
