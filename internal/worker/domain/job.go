package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncJob is the unit of work persisted in the sync_jobs table
type SyncJob struct {
	ID             string         `db:"id"`
	OrgID          string         `db:"org_id"`
	ResourceKey    string         `db:"resource_key"`
	RequestedBy    string         `db:"requested_by"`
	Kind           Kind           `db:"kind"`
	Phase          Phase          `db:"phase"`
	ResumePhase    Phase          `db:"resume_phase"` // running phase the next claim enters
	Progress       int            `db:"progress"`
	StatusMessage  string         `db:"status_message"`
	Warning        *string        `db:"warning"`
	Error          *string        `db:"error"`
	Result         *Result        `db:"result"`
	ContextValue   *string        `db:"context_value"`
	AttemptCount   int            `db:"attempt_count"`
	MaxAttempts    int            `db:"max_attempts"`
	AttemptHistory AttemptHistory `db:"attempt_history"`
	RunAfter       time.Time      `db:"run_after"`
	LockedAt       *time.Time     `db:"locked_at"`
	LockedBy       *string        `db:"locked_by"`
	FinishedAt     *time.Time     `db:"finished_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// NewSyncJob builds a queued job for the given scope. ID and timestamps are
// filled by the caller's store.
func NewSyncJob(orgID, resourceKey string, kind Kind, requestedBy string, contextValue *string, maxAttempts int) (*SyncJob, error) {
	if orgID == "" || resourceKey == "" {
		return nil, ErrInvalidScope
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &SyncJob{
		OrgID:          orgID,
		ResourceKey:    resourceKey,
		RequestedBy:    requestedBy,
		Kind:           kind,
		Phase:          PhaseQueued,
		ResumePhase:    kind.EntryPhase(),
		StatusMessage:  "Queued",
		ContextValue:   contextValue,
		MaxAttempts:    maxAttempts,
		AttemptHistory: AttemptHistory{},
	}, nil
}

// AttemptsLeft is the number of claims remaining before dead-letter
func (j *SyncJob) AttemptsLeft() int {
	return j.MaxAttempts - j.AttemptCount
}

// HoldsLease returns true if callerID currently holds the job lease
func (j *SyncJob) HoldsLease(callerID string) bool {
	return j.LockedBy != nil && *j.LockedBy == callerID && j.Phase.IsRunning()
}

// Result summarizes a completed sync
type Result struct {
	Synced      int          `json:"synced"`
	Errors      int          `json:"errors"`
	Total       int          `json:"total"`
	FailedItems []FailedItem `json:"failedItems"`
}

// FailedItem records a single team whose metric fetch failed
type FailedItem struct {
	TeamNumber int    `json:"teamNumber"`
	Error      string `json:"error"`
}

// Value implements driver.Valuer for Result
func (r Result) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for Result
func (r *Result) Scan(value interface{}) error {
	return scanJSON(value, r)
}

// AttemptRecord is one failed claim+execute cycle
type AttemptRecord struct {
	Attempt int       `json:"attempt"`
	Phase   Phase     `json:"phase"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// AttemptHistory is stored as a JSONB array
type AttemptHistory []AttemptRecord

// Value implements driver.Valuer for AttemptHistory
func (h AttemptHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner for AttemptHistory
func (h *AttemptHistory) Scan(value interface{}) error {
	if value == nil {
		*h = AttemptHistory{}
		return nil
	}
	return scanJSON(value, h)
}

func scanJSON(value interface{}, dest interface{}) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(data, dest)
}
