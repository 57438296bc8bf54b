// Package batch tracks multi-task batch jobs through their lifecycle across
// gateway restarts, with monotonic status transitions and idempotent
// reconciliation against the backend's authoritative task statuses.
package batch

import (
	"context"
	"time"
)

// Status is a batch lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelling, StatusCancelled:
		return true
	}
	return false
}

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusRunning, StatusFailed, StatusCancelling},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusCancelling},
	StatusCancelling: {StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// CanTransition reports whether from → to is a legal forward move.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Batch is the persisted record of one multi-task batch job.
type Batch struct {
	ID             string   `json:"id"`
	IdentityID     string   `json:"identity_id"`
	Cluster        string   `json:"cluster"`
	Framework      string   `json:"framework"`
	Model          string   `json:"model"`
	EndpointSlug   string   `json:"endpoint_slug"`
	InputRef       string   `json:"input_ref"`
	BackendBatchID string   `json:"backend_batch_id,omitempty"`
	BackendTaskIDs []string `json:"backend_task_ids,omitempty"`

	Status Status `json:"status"`
	// Result holds the aggregated task results once completed.
	Result string `json:"result,omitempty"`
	// Reason explains a failed or cancelled status.
	Reason         string `json:"reason,omitempty"`
	CancelAttempts int    `json:"cancel_attempts,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`
	// LastActivityAt advances whenever the backend reports queue or run
	// activity; the lost-task heuristic keys off it.
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Store persists batches with atomic, monotonic status transitions safe
// under concurrent reconcilers.
type Store interface {
	// Create persists a new pending batch, reserving its input reference.
	// A reference owned by a non-terminal batch yields a validation error.
	Create(ctx context.Context, b *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	// List returns batches in the given status, newest first. An empty
	// status lists across all states.
	List(ctx context.Context, status Status, limit int) ([]*Batch, error)

	// Update persists field changes that do not move the status (backend
	// ids after submission, activity timestamps, cancel attempts).
	Update(ctx context.Context, id string, mutate func(*Batch)) (*Batch, error)
	// Transition atomically moves the batch to the target status, applying
	// mutate under the same compare-and-set. A terminal batch is returned
	// unchanged; an illegal move returns ErrInvalidTransition.
	Transition(ctx context.Context, id string, to Status, mutate func(*Batch)) (*Batch, error)
}
