package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelgate/modelgate/core/registry"
)

// Readiness describes whether a backend target can take work right now.
// Online means the scheduler knows the target; a target can be online with
// zero active workers, which dispatch treats as cold.
type Readiness struct {
	Online        bool `json:"online"`
	WorkersActive int  `json:"workers_active"`
}

// Cold reports whether new submissions would hit a cold start.
func (r Readiness) Cold() bool {
	return r.Online && r.WorkersActive == 0
}

// Request is one unit of work bound for a backend target.
type Request struct {
	Endpoint  *registry.Endpoint
	Operation string // OpenAI-style endpoint, e.g. "chat/completions"
	Payload   json.RawMessage
	// TaskID is the gateway-side task record id, used to key stream
	// summaries and late-result reconciliation.
	TaskID string
}

// Result is the outcome of a submission. BackendTaskID is set as soon as the
// backend acknowledged the work, so it survives timeouts and failures.
type Result struct {
	Body          json.RawMessage `json:"body,omitempty"`
	BackendTaskID string          `json:"backend_task_id,omitempty"`
}

// Stream delivers response chunks in backend order. Recv returns io.EOF when
// the upstream stream ends. Close releases the caller's interest; it must
// not cancel any background summary capture.
type Stream interface {
	Recv() ([]byte, error)
	Close() error
}

// ErrStreamingUnsupported is returned by adapters that cannot stream;
// callers must surface it instead of silently buffering.
var ErrStreamingUnsupported = errors.New("streaming is not supported by this backend")

// Adapter abstracts readiness probing and work submission per backend kind.
type Adapter interface {
	Kind() registry.AdapterKind
	Readiness(ctx context.Context, ep *registry.Endpoint) (Readiness, error)
	Submit(ctx context.Context, req *Request, timeout time.Duration) (*Result, error)
	SubmitStream(ctx context.Context, req *Request) (Stream, error)
}

// Task states reported by the remote task-execution grid.
const (
	TaskStatePending   = "pending"
	TaskStateRunning   = "running"
	TaskStateSucceeded = "succeeded"
	TaskStateFailed    = "failed"
)

// TaskStatus is the grid's view of one task.
type TaskStatus struct {
	TaskID string          `json:"task_id"`
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Terminal reports whether the task has finished, successfully or not.
func (t TaskStatus) Terminal() bool {
	return t.State == TaskStateSucceeded || t.State == TaskStateFailed
}
