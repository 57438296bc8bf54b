// Package dispatch walks a validated request through readiness, submission,
// and audit recording against the resolved backend target.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
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

// Dispatcher routes one request to the adapter matching the endpoint's kind
// and leaves exactly one audit record behind, whatever the outcome.
type Dispatcher struct {
	adapters map[registry.AdapterKind]backend.Adapter
	store    storage.Store
	events   events.Publisher
	metrics  metrics.DispatchMetrics
	timeout  time.Duration

	now   func() time.Time
	newID func() string
}

// New constructs a Dispatcher. timeout bounds each synchronous submission;
// <= 0 selects 300s.
func New(adapters map[registry.AdapterKind]backend.Adapter, store storage.Store, pub events.Publisher, m metrics.DispatchMetrics, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		adapters: adapters,
		store:    store,
		events:   pub,
		metrics:  m,
		timeout:  timeout,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Dispatch submits the payload synchronously and records the task. The audit
// record is written for failures too; a record-write failure is logged but
// never overturns the dispatch outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, identity *storage.Identity, ep *registry.Endpoint, operation string, payload json.RawMessage) (*backend.Result, *storage.TaskRecord, error) {
	adapter, err := d.adapter(ep)
	if err != nil {
		return nil, nil, err
	}

	rec := &storage.TaskRecord{
		ID:           d.newID(),
		IdentityID:   identity.ID,
		EndpointSlug: ep.Slug,
		Operation:    operation,
		PromptDigest: digest(payload),
		SubmittedAt:  d.now().UTC(),
	}

	reqStart := d.now().UTC()
	rec.ComputeRequestAt = &reqStart
	result, submitErr := adapter.Submit(ctx, &backend.Request{
		Endpoint:  ep,
		Operation: operation,
		Payload:   payload,
		TaskID:    rec.ID,
	}, d.timeout)
	respAt := d.now().UTC()
	rec.ComputeResponseAt = &respAt

	if submitErr != nil {
		rec.StatusCode = apierr.StatusOf(submitErr)
		rec.Result = submitErr.Error()
	} else {
		rec.StatusCode = 200
		rec.Result = string(result.Body)
	}
	if result != nil {
		rec.BackendTaskID = result.BackendTaskID
	}

	d.record(ctx, rec)
	d.finish(ep, rec, submitErr)

	if submitErr != nil {
		return result, rec, submitErr
	}
	return result, rec, nil
}

// DispatchStream opens a streaming submission. The audit record is written as
// soon as the stream is established, with an empty result; the adapter's
// background capture fills the bounded summary later.
func (d *Dispatcher) DispatchStream(ctx context.Context, identity *storage.Identity, ep *registry.Endpoint, operation string, payload json.RawMessage) (backend.Stream, *storage.TaskRecord, error) {
	adapter, err := d.adapter(ep)
	if err != nil {
		return nil, nil, err
	}

	rec := &storage.TaskRecord{
		ID:           d.newID(),
		IdentityID:   identity.ID,
		EndpointSlug: ep.Slug,
		Operation:    operation,
		PromptDigest: digest(payload),
		SubmittedAt:  d.now().UTC(),
	}
	reqStart := d.now().UTC()
	rec.ComputeRequestAt = &reqStart

	stream, streamErr := adapter.SubmitStream(ctx, &backend.Request{
		Endpoint:  ep,
		Operation: operation,
		Payload:   payload,
		TaskID:    rec.ID,
	})
	if streamErr != nil {
		respAt := d.now().UTC()
		rec.ComputeResponseAt = &respAt
		rec.StatusCode = apierr.StatusOf(streamErr)
		rec.Result = streamErr.Error()
		d.record(ctx, rec)
		d.finish(ep, rec, streamErr)
		return nil, rec, streamErr
	}

	rec.StatusCode = 200
	d.record(ctx, rec)
	d.finish(ep, rec, nil)
	return stream, rec, nil
}

func (d *Dispatcher) adapter(ep *registry.Endpoint) (backend.Adapter, error) {
	adapter, ok := d.adapters[ep.Adapter]
	if !ok {
		return nil, apierr.Internal(nil, "no adapter registered for kind %q", ep.Adapter)
	}
	return adapter, nil
}

func (d *Dispatcher) record(ctx context.Context, rec *storage.TaskRecord) {
	// Recording must survive caller disconnects mid-flight.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.RecordTask(recCtx, rec); err != nil {
		logging.Error("dispatch", "task record write failed", "task_id", rec.ID, "error", err)
	}
}

func (d *Dispatcher) finish(ep *registry.Endpoint, rec *storage.TaskRecord, submitErr error) {
	outcome := "success"
	eventType := "task.completed"
	if submitErr != nil {
		outcome = string(apierr.KindOf(submitErr))
		eventType = "task.failed"
	}
	d.metrics.IncDispatched(ep.Slug, outcome)
	d.events.Publish(events.Event{
		Type:         eventType,
		Cluster:      ep.Cluster,
		EndpointSlug: ep.Slug,
		TaskID:       rec.ID,
		IdentityID:   rec.IdentityID,
		Status:       strconv.Itoa(rec.StatusCode),
	})
	if submitErr != nil {
		logging.Warn("dispatch", "task failed",
			"task_id", rec.ID, "endpoint", ep.Slug, "status", rec.StatusCode, "error", submitErr)
	} else {
		logging.Info("dispatch", "task completed",
			"task_id", rec.ID, "endpoint", ep.Slug, "operation", rec.Operation)
	}
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
