package batch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/backend"
	"github.com/modelgate/modelgate/core/events"
	"github.com/modelgate/modelgate/core/infra/logging"
	"github.com/modelgate/modelgate/core/infra/metrics"
	"github.com/modelgate/modelgate/core/registry"
	"github.com/modelgate/modelgate/core/storage"
)

// Backend is the batch surface of the compute grid.
type Backend interface {
	SubmitBatch(ctx context.Context, ep *registry.Endpoint, inputRef string, payload json.RawMessage) (backendBatchID string, taskIDs []string, err error)
	BatchTaskStatuses(ctx context.Context, cluster, backendBatchID string, taskIDs []string) ([]backend.TaskStatus, error)
	CancelBatch(ctx context.Context, cluster, backendBatchID string) error
}

// Manager owns batch lifecycle: submission, reconciliation, cancellation.
// Reconcile is safe to run redundantly from the user-facing status query and
// the background sweep at the same time; the store's CAS keeps transitions
// monotonic whoever wins.
type Manager struct {
	store   Store
	backend Backend
	status  snapshotSource
	audit   storage.Store
	events  events.Publisher
	metrics metrics.BatchMetrics

	graceWindow       time.Duration
	cancelMaxAttempts int

	now   func() time.Time
	newID func() string
}

// snapshotSource narrows the StatusCache dependency so tests can inject
// canned snapshots.
type snapshotSource func(ctx context.Context, cluster string) (*backend.JobsSnapshot, error)

// ManagerOptions tunes lifecycle behavior; zero values select defaults.
type ManagerOptions struct {
	GraceWindow       time.Duration
	CancelMaxAttempts int
	Events            events.Publisher
	Metrics           metrics.BatchMetrics
}

// NewManager constructs a Manager. audit may be nil to skip audit rows.
func NewManager(store Store, b Backend, status *backend.StatusCache, audit storage.Store, opts ManagerOptions) *Manager {
	grace := opts.GraceWindow
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	attempts := opts.CancelMaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	pub := opts.Events
	if pub == nil {
		pub = events.NopPublisher{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	mgr := &Manager{
		store:             store,
		backend:           b,
		audit:             audit,
		events:            pub,
		metrics:           m,
		graceWindow:       grace,
		cancelMaxAttempts: attempts,
		now:               time.Now,
		newID:             func() string { return uuid.NewString() },
	}
	if status != nil {
		mgr.status = status.GetOrFetch
	}
	return mgr
}

// Submit creates a new batch and hands it to the backend. The input
// reference must not be owned by another non-terminal batch.
func (m *Manager) Submit(ctx context.Context, identity *storage.Identity, ep *registry.Endpoint, inputRef string, payload json.RawMessage) (*Batch, error) {
	if inputRef == "" {
		return nil, apierr.Validation("input reference is required")
	}
	b := &Batch{
		ID:           m.newID(),
		IdentityID:   identity.ID,
		Cluster:      ep.Cluster,
		Framework:    ep.Framework,
		Model:        ep.Model,
		EndpointSlug: ep.Slug,
		InputRef:     inputRef,
	}
	if err := m.store.Create(ctx, b); err != nil {
		return nil, err
	}

	backendID, taskIDs, err := m.backend.SubmitBatch(ctx, ep, inputRef, payload)
	if err != nil {
		// The backend never saw the batch; fail it so the input ref frees up.
		failed, terr := m.store.Transition(ctx, b.ID, StatusFailed, func(fb *Batch) {
			fb.Reason = "submission failed: " + err.Error()
		})
		if terr != nil {
			logging.Error("batch", "mark submission failure", "batch_id", b.ID, "error", terr)
			return nil, err
		}
		m.recordTransition(ctx, failed, "submission failed")
		return failed, err
	}

	updated, err := m.store.Update(ctx, b.ID, func(ub *Batch) {
		ub.BackendBatchID = backendID
		ub.BackendTaskIDs = taskIDs
	})
	if err != nil {
		return nil, apierr.Internal(err, "persist backend batch id")
	}
	logging.Info("batch", "batch submitted",
		"batch_id", updated.ID, "backend_batch_id", backendID, "tasks", len(taskIDs), "endpoint", ep.Slug)
	m.recordTransition(ctx, updated, "submitted")
	return updated, nil
}

// Get returns the stored batch without contacting the backend.
func (m *Manager) Get(ctx context.Context, id string) (*Batch, error) {
	return m.store.Get(ctx, id)
}

// List returns batches, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status Status, limit int) ([]*Batch, error) {
	if status != "" && !status.Valid() {
		return nil, apierr.Validation("unknown batch status %q", status)
	}
	return m.store.List(ctx, status, limit)
}

// Cancel moves a non-terminal batch onto the cancellation path. The actual
// backend terminate happens in Reconcile, bounded by cancelMaxAttempts.
func (m *Manager) Cancel(ctx context.Context, id string) (*Batch, error) {
	b, err := m.store.Transition(ctx, id, StatusCancelling, nil)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusCancelling {
		m.recordTransition(ctx, b, "cancellation requested")
	}
	return m.Reconcile(ctx, id)
}

// Reconcile refreshes the batch against the backend's authoritative task
// statuses and applies the state machine. A terminal batch short-circuits
// with zero backend calls. Transient backend errors leave the stored state
// untouched and surface to the caller.
func (m *Manager) Reconcile(ctx context.Context, id string) (*Batch, error) {
	b, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.Terminal() {
		return b, nil
	}
	if b.Status == StatusCancelling {
		return m.reconcileCancelling(ctx, b)
	}

	statuses, err := m.backend.BatchTaskStatuses(ctx, b.Cluster, b.BackendBatchID, b.BackendTaskIDs)
	if err != nil {
		// Unreachable backend is not task failure; report without mutating.
		return b, err
	}

	var failedReason string
	allSucceeded := len(statuses) > 0
	active := false
	for _, st := range statuses {
		switch st.State {
		case backend.TaskStateFailed:
			if failedReason == "" {
				failedReason = st.Error
				if failedReason == "" {
					failedReason = "task " + st.TaskID + " failed"
				}
			}
			allSucceeded = false
		case backend.TaskStateSucceeded:
		default:
			allSucceeded = false
			if st.State == backend.TaskStateRunning {
				active = true
			}
		}
	}

	if failedReason != "" {
		return m.transition(ctx, b.ID, StatusFailed, failedReason, func(fb *Batch) {
			fb.Reason = failedReason
		})
	}
	if allSucceeded {
		result := aggregateResults(statuses)
		return m.transition(ctx, b.ID, StatusCompleted, "all tasks succeeded", func(cb *Batch) {
			cb.Result = result
		})
	}

	if active && b.Status == StatusPending {
		return m.transition(ctx, b.ID, StatusRunning, "backend reported activity", nil)
	}
	if active {
		if _, err := m.store.Update(ctx, b.ID, func(ub *Batch) {
			ub.LastActivityAt = m.now().UTC()
		}); err != nil {
			logging.Warn("batch", "activity touch failed", "batch_id", b.ID, "error", err)
		}
		return m.store.Get(ctx, b.ID)
	}

	return m.applyLostHeuristic(ctx, b)
}

// applyLostHeuristic fails a batch the backend will never finish: no sign of
// it in the cluster's live queue snapshot and pending past the grace window
// with zero activity. The grid reports lost tasks as perpetually pending, so
// the gateway has to infer liveness itself.
func (m *Manager) applyLostHeuristic(ctx context.Context, b *Batch) (*Batch, error) {
	if b.Status != StatusPending || m.status == nil {
		return b, nil
	}
	if m.now().UTC().Sub(b.LastActivityAt) < m.graceWindow {
		return b, nil
	}
	snap, err := m.status(ctx, b.Cluster)
	if err != nil {
		return b, err
	}
	if snap.HasActiveJob(b.BackendBatchID) {
		return b, nil
	}
	m.metrics.IncBatchLost(b.Cluster)
	reason := "batch lost: not present in cluster queue after grace window, probable compute node failure or backend restart"
	return m.transition(ctx, b.ID, StatusFailed, reason, func(fb *Batch) {
		fb.Reason = reason
	})
}

func (m *Manager) reconcileCancelling(ctx context.Context, b *Batch) (*Batch, error) {
	err := m.backend.CancelBatch(ctx, b.Cluster, b.BackendBatchID)
	if err == nil {
		return m.transition(ctx, b.ID, StatusCancelled, "backend terminate confirmed", nil)
	}

	attempts := b.CancelAttempts + 1
	logging.Warn("batch", "backend terminate failed",
		"batch_id", b.ID, "attempt", attempts, "max", m.cancelMaxAttempts, "error", err)
	if attempts >= m.cancelMaxAttempts {
		reason := "cancelled after exhausting backend terminate attempts"
		return m.transition(ctx, b.ID, StatusCancelled, reason, func(cb *Batch) {
			cb.Reason = reason
			cb.CancelAttempts = attempts
		})
	}
	if _, uerr := m.store.Update(ctx, b.ID, func(ub *Batch) {
		ub.CancelAttempts = attempts
	}); uerr != nil {
		logging.Error("batch", "persist cancel attempt", "batch_id", b.ID, "error", uerr)
	}
	return m.store.Get(ctx, b.ID)
}

func (m *Manager) transition(ctx context.Context, id string, to Status, detail string, mutate func(*Batch)) (*Batch, error) {
	b, err := m.store.Transition(ctx, id, to, mutate)
	if err != nil {
		return nil, err
	}
	if b.Status == to {
		m.metrics.IncBatchTransition(b.Cluster, string(to))
		m.recordTransition(ctx, b, detail)
	}
	return b, nil
}

func (m *Manager) recordTransition(ctx context.Context, b *Batch, detail string) {
	logging.Info("batch", "batch transition",
		"batch_id", b.ID, "status", b.Status, "detail", detail)
	m.events.Publish(events.Event{
		Type:       "batch." + string(b.Status),
		Cluster:    b.Cluster,
		BatchID:    b.ID,
		IdentityID: b.IdentityID,
		Status:     string(b.Status),
		Detail:     detail,
	})
	if m.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.audit.RecordBatchEvent(auditCtx, &storage.BatchEvent{
		BatchID: b.ID,
		Status:  string(b.Status),
		Detail:  detail,
		At:      m.now().UTC(),
	}); err != nil {
		logging.Warn("batch", "audit row write failed", "batch_id", b.ID, "error", err)
	}
}

// aggregateResults concatenates task results into one JSON array, in task
// order.
func aggregateResults(statuses []backend.TaskStatus) string {
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if len(st.Result) == 0 {
			parts = append(parts, "null")
			continue
		}
		parts = append(parts, string(st.Result))
	}
	return "[" + strings.Join(parts, ",") + "]"
}
