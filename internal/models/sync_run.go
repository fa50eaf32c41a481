package models

import (
	"time"

	"github.com/property-catalog/internal/types"
)

// SyncRun is the bookkeeping record of one pass over the provider feed
type SyncRun struct {
	ID              string         `json:"id" db:"id"`
	Feed            string         `json:"feed" db:"feed"`
	Mode            types.SyncMode `json:"mode" db:"mode"`
	State           types.RunState `json:"state" db:"state"`
	StartedAt       time.Time      `json:"startedAt" db:"started_at"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty" db:"finished_at"`
	CursorStart     string         `json:"cursorStart" db:"cursor_start"`
	CursorCommitted string         `json:"cursorCommitted" db:"cursor_committed"`
	PagesFetched    int            `json:"pagesFetched" db:"pages_fetched"`
	Created         int            `json:"created" db:"created_count"`
	Updated         int            `json:"updated" db:"updated_count"`
	Unchanged       int            `json:"unchanged" db:"unchanged_count"`
	Skipped         int            `json:"skipped" db:"skipped_count"`
	Failed          int            `json:"failed" db:"failed_count"`
	Duplicates      int            `json:"duplicates" db:"duplicate_count"`
	Enriched        int            `json:"enriched" db:"enriched_count"`
	// Exhausted is true when the run reached the end of the feed.
	Exhausted bool    `json:"exhausted" db:"exhausted"`
	Error     *string `json:"error,omitempty" db:"error"`
}

// Changed reports whether the run wrote anything visible to readers
func (r *SyncRun) Changed() bool {
	return r.Created > 0 || r.Updated > 0 || r.Enriched > 0
}

// Duration returns how long the run took, or has taken so far
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
