// Package task holds the ingest task model and its lifecycle rules.
package task

import (
	"time"

	"github.com/kalambet/larder/internal/recipe"
)

// Status is the lifecycle state of an ingest task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusReviewReady Status = "review_ready"
	StatusCommitted   Status = "committed"
	StatusRejected    Status = "rejected"
	StatusExpired     Status = "expired"

	// StatusUnknown is reported when no state exists for a task, typically
	// because its ephemeral state has expired.
	StatusUnknown Status = "unknown"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusCommitted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:     {StatusReviewReady, StatusFailed, StatusCancelled},
	StatusReviewReady: {StatusCommitted, StatusRejected, StatusExpired},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Mode selects how the task payload is interpreted.
type Mode string

const (
	ModeURL    Mode = "url"
	ModeSearch Mode = "search"
)

// Metadata keys written by the commit path.
const (
	MetaCommittedRecipeID = "committed_recipe_id"
	MetaCommittedAt       = "committed_at"
	MetaRejectReason      = "reject_reason"
	MetaDuplicateOf       = "duplicate_of"
)

// Task is an ingest request. It is immutable except through guarded
// state and metadata updates.
type Task struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Agent     string            `json:"agent"`
	Mode      Mode              `json:"mode"`
	Payload   string            `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// State is the ephemeral progress view of a task.
type State struct {
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Phase     string    `json:"phase,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorCode Code      `json:"error_code,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the durable row for a task: the task itself, its current
// status, the draft once produced, and the version token used for
// conditional writes.
type Record struct {
	Task          Task
	Status        Status
	Progress      int
	Phase         string
	Error         string
	ErrorCode     Code
	Draft         *recipe.Draft
	ReviewReadyAt *time.Time
	UpdatedAt     time.Time
	Version       int64
}

// State derives the progress view from the durable record.
func (r Record) State() State {
	st := State{
		TaskID:    r.Task.ID,
		Status:    r.Status,
		Progress:  r.Progress,
		Phase:     r.Phase,
		Error:     r.Error,
		ErrorCode: r.ErrorCode,
		UpdatedAt: r.UpdatedAt,
	}
	if id := r.Task.Metadata[MetaCommittedRecipeID]; id != "" {
		st.Result = id
	}
	return st
}

// Event is a progress notification published on a task's thread.
type Event struct {
	TaskID   string    `json:"task_id"`
	ThreadID string    `json:"thread_id"`
	Status   Status    `json:"status"`
	Phase    string    `json:"phase"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
