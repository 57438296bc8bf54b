package storage

import (
	"context"
	"time"
)

// Identity is an authenticated principal, upserted on first successful
// authentication and immutable afterwards.
type Identity struct {
	ID          string    `json:"id"` // stable external subject
	DisplayName string    `json:"display_name,omitempty"`
	Username    string    `json:"username"`
	IdPID       string    `json:"identity_provider_id,omitempty"`
	IdPName     string    `json:"identity_provider_name,omitempty"`
	AuthService string    `json:"auth_service,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskRecord is the append-only audit row for a dispatched request. It is
// created when a terminal outcome is known and never mutated afterwards,
// except that streaming tasks receive their bounded summary once the
// background capture completes.
type TaskRecord struct {
	ID                string     `json:"id"`
	IdentityID        string     `json:"identity_id"`
	EndpointSlug      string     `json:"endpoint_slug"`
	Operation         string     `json:"operation"`
	PromptDigest      string     `json:"prompt_digest"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	ComputeRequestAt  *time.Time `json:"compute_request_at,omitempty"`
	ComputeResponseAt *time.Time `json:"compute_response_at,omitempty"`
	StatusCode        int        `json:"status_code"`
	Result            string     `json:"result,omitempty"`
	BackendTaskID     string     `json:"backend_task_id,omitempty"`
}

// BatchEvent is one row of a batch's audit trail.
type BatchEvent struct {
	BatchID string    `json:"batch_id"`
	Status  string    `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Store is the persistence collaborator for identities and audit records.
type Store interface {
	// UpsertIdentity is an idempotent create-or-fetch keyed by Identity.ID.
	UpsertIdentity(ctx context.Context, identity *Identity) (*Identity, error)
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	RecordTask(ctx context.Context, rec *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListRecentTasks(ctx context.Context, limit int) ([]*TaskRecord, error)
	// WriteStreamSummary fills a streaming task's result field once; later
	// writes for the same task are no-ops.
	WriteStreamSummary(ctx context.Context, taskID, summary string) error

	RecordBatchEvent(ctx context.Context, event *BatchEvent) error
	ListBatchEvents(ctx context.Context, batchID string) ([]*BatchEvent, error)

	Close() error
}
