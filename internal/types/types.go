// Package types provides common type definitions for the property catalog.
package types

import "strings"

// PropertyStatus is the internal listing status
type PropertyStatus string

const (
	// StatusDraft represents a listing not yet open for sale
	StatusDraft PropertyStatus = "draft"
	// StatusAvailable represents a listing open for sale
	StatusAvailable PropertyStatus = "available"
	// StatusSoldOut represents a listing with no remaining units
	StatusSoldOut PropertyStatus = "sold_out"
	// StatusOffMarket represents a withdrawn or removed listing
	StatusOffMarket PropertyStatus = "off_market"
	// StatusUnspecified is used for provider codes that have no mapping
	StatusUnspecified PropertyStatus = "unspecified"
)

// AllPropertyStatuses lists every status the store accepts
var AllPropertyStatuses = []PropertyStatus{
	StatusDraft,
	StatusAvailable,
	StatusSoldOut,
	StatusOffMarket,
	StatusUnspecified,
}

// ParsePropertyStatus parses an internal status name. Hyphens and spaces are
// accepted in place of underscores.
func ParsePropertyStatus(s string) (PropertyStatus, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	for _, st := range AllPropertyStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// SyncMode selects where a sync run starts and when it stops
type SyncMode string

const (
	// SyncModeFull walks the whole feed from the beginning until exhaustion
	SyncModeFull SyncMode = "full"
	// SyncModeIncremental walks the newest pages within a page/time budget
	SyncModeIncremental SyncMode = "incremental"
	// SyncModeResume continues from the last committed cursor of an unfinished run
	SyncModeResume SyncMode = "resume"
)

// ParseSyncMode parses a sync mode, defaulting to incremental
func ParseSyncMode(s string) SyncMode {
	switch SyncMode(strings.ToLower(strings.TrimSpace(s))) {
	case SyncModeFull:
		return SyncModeFull
	case SyncModeResume:
		return SyncModeResume
	default:
		return SyncModeIncremental
	}
}

// RunState is the state of a sync run
type RunState string

const (
	RunStateIdle        RunState = "idle"
	RunStateFetching    RunState = "fetching"
	RunStateNormalizing RunState = "normalizing"
	RunStateUpserting   RunState = "upserting"
	RunStateCompleted   RunState = "completed"
	RunStateAborted     RunState = "aborted"
)

// Pages loop back from upserting to fetching until the feed or budget ends.
var runTransitions = map[RunState][]RunState{
	RunStateIdle:        {RunStateFetching},
	RunStateFetching:    {RunStateNormalizing, RunStateCompleted},
	RunStateNormalizing: {RunStateUpserting},
	RunStateUpserting:   {RunStateFetching, RunStateCompleted},
}

// IsTerminal reports whether no further transitions are possible
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateAborted
}

// CanTransition reports whether moving from s to next is allowed.
// Aborted is reachable from every non-terminal state.
func (s RunState) CanTransition(next RunState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RunStateAborted {
		return true
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SortField is an orderable property column
type SortField string

const (
	SortBySynced  SortField = "synced"
	SortByCreated SortField = "created"
	SortByPrice   SortField = "price"
)

// ParseSortField parses a sort field name, accepting a few common aliases
func ParseSortField(s string) (SortField, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "synced", "synced_at", "syncedat", "updated":
		return SortBySynced, true
	case "created", "created_at", "createdat", "newest":
		return SortByCreated, true
	case "price", "min_price":
		return SortByPrice, true
	}
	return "", false
}

// SortOrder is ascending or descending
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
