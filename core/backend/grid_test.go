package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/infra/cache"
	"github.com/modelgate/modelgate/core/infra/metrics"
	"github.com/modelgate/modelgate/core/registry"
)

// fakeRequester routes grid subjects to canned handlers.
type fakeRequester struct {
	handlers map[string]func(data []byte) ([]byte, error)
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	for prefix, h := range f.handlers {
		if strings.HasSuffix(subj, prefix) {
			reply, err := h(data)
			if err != nil {
				return nil, err
			}
			return &nats.Msg{Data: reply}, nil
		}
	}
	return nil, errors.New("no responder on " + subj)
}

func gridEndpoint() *registry.Endpoint {
	return &registry.Endpoint{
		Slug:      "sophia-vllm-llama-3-8b",
		Cluster:   "sophia",
		Framework: "vllm",
		Model:     "llama-3-8b",
		Adapter:   registry.AdapterGrid,
		Config:    registry.AdapterConfig{Function: "infer", Queue: "gpu"},
	}
}

func warmSnapshot() []byte {
	data, _ := json.Marshal(&JobsSnapshot{Jobs: []JobEntry{
		{ID: "job-1", Models: []string{"llama-3-8b"}, Framework: "vllm", State: JobStateRunning, WorkersActive: 2},
	}})
	return data
}

func coldSnapshot() []byte {
	data, _ := json.Marshal(&JobsSnapshot{Jobs: []JobEntry{
		{ID: "job-1", Models: []string{"llama-3-8b"}, Framework: "vllm", State: JobStateRunning, WorkersActive: 0},
	}})
	return data
}

func newTestGrid(t *testing.T, nc Requester, snapshot []byte) (*Grid, cache.Cache) {
	t.Helper()
	c := cache.NewLocalCache(0)
	fr, ok := nc.(*fakeRequester)
	if ok {
		if _, exists := fr.handlers[".status"]; !exists {
			fr.handlers[".status"] = func([]byte) ([]byte, error) { return snapshot, nil }
		}
	}
	sc := NewStatusCache(&requesterFetcher{nc: nc}, c, time.Minute)
	return NewGrid(nc, c, sc, 30*time.Second, metrics.Noop{}), c
}

// requesterFetcher adapts a Requester into a SnapshotFetcher the same way
// Grid.FetchJobs does, so tests exercise the wire shape.
type requesterFetcher struct{ nc Requester }

func (r *requesterFetcher) FetchJobs(ctx context.Context, cluster string) (*JobsSnapshot, error) {
	msg, err := r.nc.RequestWithContext(ctx, "grid."+cluster+".status", []byte("{}"))
	if err != nil {
		return nil, err
	}
	var snap JobsSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		return nil, err
	}
	snap.refine()
	return &snap, nil
}

func TestGridSubmitSuccess(t *testing.T) {
	nc := &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){
		".submit": func(data []byte) ([]byte, error) {
			var req gridSubmitRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Fatalf("decode submit: %v", err)
			}
			if req.Function != "infer" || req.Operation != "chat/completions" {
				t.Fatalf("unexpected submission: %+v", req)
			}
			return json.Marshal(gridSubmitAck{TaskID: "bt-1"})
		},
		".await": func(data []byte) ([]byte, error) {
			var req gridAwaitRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Fatalf("decode await: %v", err)
			}
			if req.TaskID != "bt-1" {
				t.Fatalf("await for wrong task: %q", req.TaskID)
			}
			return json.Marshal(TaskStatus{TaskID: "bt-1", State: TaskStateSucceeded, Result: json.RawMessage(`{"id":"cmpl-1"}`)})
		},
	}}
	g, _ := newTestGrid(t, nc, warmSnapshot())

	res, err := g.Submit(context.Background(), &Request{
		Endpoint:  gridEndpoint(),
		Operation: "chat/completions",
		Payload:   json.RawMessage(`{"model":"llama-3-8b"}`),
	}, time.Minute)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.BackendTaskID != "bt-1" {
		t.Fatalf("backend task id not propagated: %+v", res)
	}
	if string(res.Body) != `{"id":"cmpl-1"}` {
		t.Fatalf("unexpected body: %s", res.Body)
	}
}

func TestGridSubmitFailedTask(t *testing.T) {
	nc := &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){
		".submit": func([]byte) ([]byte, error) { return json.Marshal(gridSubmitAck{TaskID: "bt-2"}) },
		".await": func([]byte) ([]byte, error) {
			return json.Marshal(TaskStatus{TaskID: "bt-2", State: TaskStateFailed, Error: "CUDA out of memory"})
		},
	}}
	g, _ := newTestGrid(t, nc, warmSnapshot())

	res, err := g.Submit(context.Background(), &Request{Endpoint: gridEndpoint(), Operation: "completions", Payload: json.RawMessage(`{}`)}, time.Minute)
	if err == nil {
		t.Fatalf("expected execution error")
	}
	if apierr.KindOf(err) != apierr.KindBackendExecution {
		t.Fatalf("wrong kind: %v", apierr.KindOf(err))
	}
	if res == nil || res.BackendTaskID != "bt-2" {
		t.Fatalf("failed submit must keep backend task id: %+v", res)
	}
}

func TestGridSubmitOfflineModel(t *testing.T) {
	nc := &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){}}
	empty, _ := json.Marshal(&JobsSnapshot{})
	g, _ := newTestGrid(t, nc, empty)

	_, err := g.Submit(context.Background(), &Request{Endpoint: gridEndpoint(), Operation: "completions", Payload: json.RawMessage(`{}`)}, time.Minute)
	if apierr.KindOf(err) != apierr.KindBackendUnavailable {
		t.Fatalf("offline model should be unavailable, got %v", err)
	}
	if apierr.StatusOf(err) != 503 {
		t.Fatalf("expected 503, got %d", apierr.StatusOf(err))
	}
}

func TestGridColdStartSingleWinner(t *testing.T) {
	nc := &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){
		".submit": func([]byte) ([]byte, error) { return json.Marshal(gridSubmitAck{TaskID: "bt-3"}) },
		".await": func([]byte) ([]byte, error) {
			return json.Marshal(TaskStatus{TaskID: "bt-3", State: TaskStateSucceeded, Result: json.RawMessage(`{}`)})
		},
	}}
	g, c := newTestGrid(t, nc, coldSnapshot())

	req := &Request{Endpoint: gridEndpoint(), Operation: "completions", Payload: json.RawMessage(`{}`)}
	if _, err := g.Submit(context.Background(), req, time.Minute); err != nil {
		t.Fatalf("first caller should proceed as warm-up: %v", err)
	}

	// The winner finished, so the sentinel is released and the next cold
	// caller becomes the new warm-up submission.
	if _, ok, _ := c.Get(context.Background(), warmupKey(req.Endpoint.Slug)); ok {
		t.Fatalf("sentinel not released after successful warm-up")
	}

	// Re-arm the sentinel to simulate an in-flight warm-up, then verify a
	// second caller is rejected with a retryable 503.
	if _, err := c.SetNX(context.Background(), warmupKey(req.Endpoint.Slug), "1", time.Minute); err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	_, err := g.Submit(context.Background(), req, time.Minute)
	if apierr.KindOf(err) != apierr.KindBackendUnavailable {
		t.Fatalf("concurrent cold caller should get unavailable, got %v", err)
	}
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Remediation == "" {
		t.Fatalf("cold rejection should carry remediation: %v", err)
	}
}

func TestGridAwaitTimeoutKeepsTaskID(t *testing.T) {
	nc := &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){
		".submit": func([]byte) ([]byte, error) { return json.Marshal(gridSubmitAck{TaskID: "bt-4"}) },
		".await": func([]byte) ([]byte, error) {
			return json.Marshal(TaskStatus{TaskID: "bt-4", State: TaskStateRunning})
		},
	}}
	g, _ := newTestGrid(t, nc, warmSnapshot())

	res, err := g.Submit(context.Background(), &Request{Endpoint: gridEndpoint(), Operation: "completions", Payload: json.RawMessage(`{}`)}, 50*time.Millisecond)
	if apierr.KindOf(err) != apierr.KindTimeout {
		t.Fatalf("non-terminal await should time out, got %v", err)
	}
	if res == nil || res.BackendTaskID != "bt-4" {
		t.Fatalf("timeout must keep backend task id for reconciliation: %+v", res)
	}
}

func TestGridStreamingUnsupported(t *testing.T) {
	g, _ := newTestGrid(t, &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){}}, warmSnapshot())
	_, err := g.SubmitStream(context.Background(), &Request{Endpoint: gridEndpoint()})
	if !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
	// The rejection surfaces to clients as 501, never as a 500 internal.
	if apierr.StatusOf(err) != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", apierr.StatusOf(err))
	}
	if apierr.KindOf(err) == apierr.KindInternal {
		t.Fatalf("streaming rejection must not be classified internal")
	}
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Remediation == "" {
		t.Fatalf("rejection should carry remediation: %v", err)
	}
}

func TestGridBatchRoundTrip(t *testing.T) {
	nc := &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){
		".batch.submit": func(data []byte) ([]byte, error) {
			var req gridBatchSubmit
			if err := json.Unmarshal(data, &req); err != nil {
				t.Fatalf("decode batch submit: %v", err)
			}
			if req.InputRef == "" {
				t.Fatalf("batch submit missing input ref")
			}
			return json.Marshal(gridBatchAck{BatchID: "bb-1", TaskIDs: []string{"bt-a", "bt-b"}})
		},
		".batch.status": func([]byte) ([]byte, error) {
			return json.Marshal(gridBatchStatusReply{Tasks: []TaskStatus{
				{TaskID: "bt-a", State: TaskStateSucceeded},
				{TaskID: "bt-b", State: TaskStateRunning},
			}})
		},
		".batch.cancel": func([]byte) ([]byte, error) { return json.Marshal(gridBatchAck{BatchID: "bb-1"}) },
	}}
	g, _ := newTestGrid(t, nc, warmSnapshot())
	ctx := context.Background()

	batchID, taskIDs, err := g.SubmitBatch(ctx, gridEndpoint(), "sha256:abc", nil)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if batchID != "bb-1" || len(taskIDs) != 2 {
		t.Fatalf("unexpected batch ack: %s %v", batchID, taskIDs)
	}

	statuses, err := g.BatchTaskStatuses(ctx, "sophia", batchID, taskIDs)
	if err != nil {
		t.Fatalf("BatchTaskStatuses: %v", err)
	}
	if len(statuses) != 2 || !statuses[0].Terminal() || statuses[1].Terminal() {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}

	if err := g.CancelBatch(ctx, "sophia", batchID); err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
}

func TestGridSubmitRejectedByCluster(t *testing.T) {
	nc := &fakeRequester{handlers: map[string]func([]byte) ([]byte, error){
		".submit": func([]byte) ([]byte, error) {
			return json.Marshal(gridSubmitAck{Error: "unknown function"})
		},
	}}
	g, _ := newTestGrid(t, nc, warmSnapshot())

	_, err := g.Submit(context.Background(), &Request{Endpoint: gridEndpoint(), Operation: "completions", Payload: json.RawMessage(`{}`)}, time.Minute)
	if apierr.KindOf(err) != apierr.KindBackendExecution {
		t.Fatalf("rejected submission should map to execution error, got %v", err)
	}
}
