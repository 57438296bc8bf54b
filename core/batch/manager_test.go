package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/backend"
	"github.com/modelgate/modelgate/core/registry"
	"github.com/modelgate/modelgate/core/storage"
)

// memBatchStore implements Store in memory with the same transition rules
// as the Redis store.
type memBatchStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
	inputs  map[string]string
	now     func() time.Time
}

func newMemBatchStore() *memBatchStore {
	return &memBatchStore{
		batches: make(map[string]*Batch),
		inputs:  make(map[string]string),
		now:     time.Now,
	}
}

func (s *memBatchStore) Create(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ownerID, ok := s.inputs[b.InputRef]; ok {
		if owner, exists := s.batches[ownerID]; exists && !owner.Status.Terminal() {
			return apierr.Validation("input reference %q already used by ongoing batch %s", b.InputRef, ownerID)
		}
	}
	now := s.now().UTC()
	b.Status = StatusPending
	b.CreatedAt = now
	b.UpdatedAt = now
	b.LastActivityAt = now
	cp := *b
	s.batches[b.ID] = &cp
	s.inputs[b.InputRef] = b.ID
	return nil
}

func (s *memBatchStore) Get(_ context.Context, id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memBatchStore) List(_ context.Context, status Status, limit int) ([]*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Batch
	for _, b := range s.batches {
		if status == "" || b.Status == status {
			cp := *b
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memBatchStore) Update(_ context.Context, id string, mutate func(*Batch)) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	from := b.Status
	mutate(b)
	if b.Status != from {
		b.Status = from
		return nil, ErrInvalidTransition
	}
	b.UpdatedAt = s.now().UTC()
	cp := *b
	return &cp, nil
}

func (s *memBatchStore) Transition(_ context.Context, id string, to Status, mutate func(*Batch)) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status.Terminal() || b.Status == to {
		cp := *b
		return &cp, nil
	}
	if !CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	if mutate != nil {
		mutate(b)
		b.Status = to
	}
	now := s.now().UTC()
	b.UpdatedAt = now
	if to.Terminal() {
		b.TerminalAt = &now
		delete(s.inputs, b.InputRef)
	}
	cp := *b
	return &cp, nil
}

// fakeBatchBackend counts calls and serves canned task statuses.
type fakeBatchBackend struct {
	mu          sync.Mutex
	statusCalls int
	cancelCalls int
	statuses    []backend.TaskStatus
	statusErr   error
	cancelErr   error
	submitErr   error
}

func (f *fakeBatchBackend) SubmitBatch(context.Context, *registry.Endpoint, string, json.RawMessage) (string, []string, error) {
	if f.submitErr != nil {
		return "", nil, f.submitErr
	}
	return "bb-1", []string{"t-1", "t-2"}, nil
}

func (f *fakeBatchBackend) BatchTaskStatuses(context.Context, string, string, []string) ([]backend.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statuses, nil
}

func (f *fakeBatchBackend) CancelBatch(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeBatchBackend) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.cancelCalls
}

func batchEndpoint() *registry.Endpoint {
	return &registry.Endpoint{
		Slug:      "sophia-vllm-llama-3-8b",
		Cluster:   "sophia",
		Framework: "vllm",
		Model:     "llama-3-8b",
		Adapter:   registry.AdapterGrid,
	}
}

func newTestManager(b Backend, store Store) *Manager {
	return NewManager(store, b, nil, nil, ManagerOptions{GraceWindow: 10 * time.Minute})
}

func submitTestBatch(t *testing.T, m *Manager) *Batch {
	t.Helper()
	b, err := m.Submit(context.Background(), &storage.Identity{ID: "user-1"}, batchEndpoint(), "/data/x.jsonl", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return b
}

func TestManagerSubmitWiresBackendIDs(t *testing.T) {
	be := &fakeBatchBackend{}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	if b.Status != StatusPending || b.BackendBatchID != "bb-1" || len(b.BackendTaskIDs) != 2 {
		t.Fatalf("submission not persisted: %+v", b)
	}
}

func TestManagerSubmitBackendRejectionFailsBatch(t *testing.T) {
	be := &fakeBatchBackend{submitErr: apierr.BackendUnavailable("grid down")}
	store := newMemBatchStore()
	m := newTestManager(be, store)

	b, err := m.Submit(context.Background(), &storage.Identity{ID: "user-1"}, batchEndpoint(), "/data/x.jsonl", nil)
	if err == nil {
		t.Fatalf("expected submission error")
	}
	if b == nil || b.Status != StatusFailed {
		t.Fatalf("rejected submission should fail the batch: %+v", b)
	}
	// The input ref is released, so the same input can be retried.
	if _, err := m.Submit(context.Background(), &storage.Identity{ID: "user-1"}, batchEndpoint(), "/data/x.jsonl", nil); err != nil && apierr.KindOf(err) == apierr.KindValidation {
		t.Fatalf("input ref not released after failed submission: %v", err)
	}
}

func TestManagerReconcileCompletesAndAggregates(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStateSucceeded, Result: json.RawMessage(`{"a":1}`)},
		{TaskID: "t-2", State: backend.TaskStateSucceeded, Result: json.RawMessage(`{"b":2}`)},
	}}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	got, err := m.Reconcile(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result != `[{"a":1},{"b":2}]` {
		t.Fatalf("results not aggregated in task order: %q", got.Result)
	}
}

func TestManagerReconcileIdempotentAfterTerminal(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStateSucceeded, Result: json.RawMessage(`1`)},
		{TaskID: "t-2", State: backend.TaskStateSucceeded, Result: json.RawMessage(`2`)},
	}}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	first, err := m.Reconcile(context.Background(), b.ID)
	if err != nil || first.Status != StatusCompleted {
		t.Fatalf("first reconcile: %v %+v", err, first)
	}
	callsAfterFirst, _ := be.calls()

	second, err := m.Reconcile(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.Status != StatusCompleted || second.Result != first.Result {
		t.Fatalf("second reconcile changed the stored terminal state: %+v", second)
	}
	if calls, _ := be.calls(); calls != callsAfterFirst {
		t.Fatalf("terminal reconcile must not contact the backend: %d -> %d calls", callsAfterFirst, calls)
	}
}

func TestManagerReconcileTaskFailure(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStateSucceeded},
		{TaskID: "t-2", State: backend.TaskStateFailed, Error: "CUDA out of memory"},
	}}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	got, err := m.Reconcile(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Status != StatusFailed || got.Reason != "CUDA out of memory" {
		t.Fatalf("task failure not surfaced: %+v", got)
	}
}

func TestManagerReconcileTransientErrorLeavesStateUntouched(t *testing.T) {
	be := &fakeBatchBackend{statusErr: errors.New("nats: no responders")}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	got, err := m.Reconcile(context.Background(), b.ID)
	if err == nil {
		t.Fatalf("expected transient error to surface")
	}
	if got == nil || got.Status != StatusPending {
		t.Fatalf("transient error must not mutate state: %+v", got)
	}
}

func TestManagerReconcileActivityMovesToRunning(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStateRunning},
		{TaskID: "t-2", State: backend.TaskStatePending},
	}}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	got, err := m.Reconcile(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("activity should move pending to running, got %s", got.Status)
	}
}

func TestManagerLostTaskHeuristic(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStatePending},
		{TaskID: "t-2", State: backend.TaskStatePending},
	}}
	store := newMemBatchStore()
	m := NewManager(store, be, nil, nil, ManagerOptions{GraceWindow: 10 * time.Minute})
	// The batch's tracking id is absent from the live queue.
	m.status = func(context.Context, string) (*backend.JobsSnapshot, error) {
		return &backend.JobsSnapshot{}, nil
	}

	b := submitTestBatch(t, m)

	// Within the grace window the batch stays pending.
	got, err := m.Reconcile(context.Background(), b.ID)
	if err != nil || got.Status != StatusPending {
		t.Fatalf("inside grace window must stay pending: %v %+v", err, got)
	}

	// Age the batch past the grace window.
	if _, err := store.Update(context.Background(), b.ID, func(ub *Batch) {
		ub.LastActivityAt = time.Now().Add(-time.Hour)
	}); err != nil {
		t.Fatalf("age batch: %v", err)
	}
	got, err = m.Reconcile(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("lost batch must fail, got %s", got.Status)
	}
	if got.Reason == "" {
		t.Fatalf("lost batch needs an infrastructure-loss reason")
	}
}

func TestManagerLostHeuristicSparesLiveBatches(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStatePending},
	}}
	store := newMemBatchStore()
	m := NewManager(store, be, nil, nil, ManagerOptions{GraceWindow: time.Minute})
	m.status = func(context.Context, string) (*backend.JobsSnapshot, error) {
		return &backend.JobsSnapshot{Jobs: []backend.JobEntry{
			{ID: "bb-1", State: backend.JobStateQueued},
		}}, nil
	}

	b := submitTestBatch(t, m)
	if _, err := store.Update(context.Background(), b.ID, func(ub *Batch) {
		ub.LastActivityAt = time.Now().Add(-time.Hour)
	}); err != nil {
		t.Fatalf("age batch: %v", err)
	}

	got, err := m.Reconcile(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("queued batch must not be declared lost: %+v", got)
	}
}

func TestManagerCancelPath(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStateRunning},
	}}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	got, err := m.Cancel(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("cancel with reachable backend should land on cancelled, got %s", got.Status)
	}
	if _, cancels := be.calls(); cancels != 1 {
		t.Fatalf("expected one terminate call, got %d", cancels)
	}
}

func TestManagerCancelBoundedAttempts(t *testing.T) {
	be := &fakeBatchBackend{cancelErr: errors.New("no responders")}
	store := newMemBatchStore()
	m := NewManager(store, be, nil, nil, ManagerOptions{CancelMaxAttempts: 3})

	b := submitTestBatch(t, m)
	if _, err := m.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	var got *Batch
	var err error
	for i := 0; i < 5; i++ {
		got, err = m.Reconcile(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if got.Status == StatusCancelled {
			break
		}
	}
	if got.Status != StatusCancelled {
		t.Fatalf("cancellation must converge after bounded attempts: %+v", got)
	}
	if _, cancels := be.calls(); cancels > 3 {
		t.Fatalf("terminate attempts unbounded: %d", cancels)
	}
}

func TestManagerCancelTerminalIsNoop(t *testing.T) {
	be := &fakeBatchBackend{statuses: []backend.TaskStatus{
		{TaskID: "t-1", State: backend.TaskStateSucceeded, Result: json.RawMessage(`1`)},
		{TaskID: "t-2", State: backend.TaskStateSucceeded, Result: json.RawMessage(`2`)},
	}}
	m := newTestManager(be, newMemBatchStore())

	b := submitTestBatch(t, m)
	if _, err := m.Reconcile(context.Background(), b.ID); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, err := m.Cancel(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("cancelling a completed batch must not move it: %+v", got)
	}
	if _, cancels := be.calls(); cancels != 0 {
		t.Fatalf("terminal batch must not reach the backend, got %d terminate calls", cancels)
	}
}

func TestManagerListRejectsUnknownStatus(t *testing.T) {
	m := newTestManager(&fakeBatchBackend{}, newMemBatchStore())
	if _, err := m.List(context.Background(), "bogus", 10); apierr.KindOf(err) != apierr.KindValidation {
		t.Fatalf("unknown status filter must be a validation error, got %v", err)
	}
}
