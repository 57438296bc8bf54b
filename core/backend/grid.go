package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/infra/cache"
	"github.com/modelgate/modelgate/core/infra/logging"
	"github.com/modelgate/modelgate/core/infra/metrics"
	"github.com/modelgate/modelgate/core/registry"
)

const (
	subjectSubmit      = "grid.%s.submit"
	subjectAwait       = "grid.%s.await"
	subjectStatus      = "grid.%s.status"
	subjectBatchSubmit = "grid.%s.batch.submit"
	subjectBatchStatus = "grid.%s.batch.status"
	subjectBatchCancel = "grid.%s.batch.cancel"

	warmupKeyPrefix = "warmup:"
	ackTimeout      = 5 * time.Second
)

// Requester is the slice of *nats.Conn the grid client depends on.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Grid submits work to the remote task-execution compute grid over NATS.
// Submission is a two-phase ack/await: the ack carries the backend task id
// so a timed-out await still leaves a reconcilable handle behind.
type Grid struct {
	nc          Requester
	cache       cache.Cache
	status      *StatusCache
	sentinelTTL time.Duration
	metrics     metrics.DispatchMetrics
}

// NewGrid constructs the grid adapter. The shared cache holds the per-target
// cold-start sentinel; it must be visible to every gateway process.
func NewGrid(nc Requester, sharedCache cache.Cache, status *StatusCache, sentinelTTL time.Duration, m metrics.DispatchMetrics) *Grid {
	if sentinelTTL <= 0 {
		sentinelTTL = 30 * time.Second
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Grid{nc: nc, cache: sharedCache, status: status, sentinelTTL: sentinelTTL, metrics: m}
}

// NewNatsConn dials NATS with the reconnect behavior used across the
// gateway fleet.
func NewNatsConn(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("modelgate-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("grid", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("grid", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
}

func (g *Grid) Kind() registry.AdapterKind { return registry.AdapterGrid }

// Readiness derives target readiness from the cluster's job snapshot.
func (g *Grid) Readiness(ctx context.Context, ep *registry.Endpoint) (Readiness, error) {
	snap, err := g.status.GetOrFetch(ctx, ep.Cluster)
	if err != nil {
		return Readiness{}, apierr.BackendUnavailable("cluster %s status unavailable", ep.Cluster)
	}
	entry := snap.ModelEntry(ep.Framework, ep.Model)
	if entry == nil {
		return Readiness{}, nil
	}
	switch entry.ModelStatus {
	case ModelStatusDisconnected:
		return Readiness{Online: true, WorkersActive: 0}, nil
	case JobStateRunning, JobStateQueued:
		return Readiness{Online: true, WorkersActive: entry.WorkersActive}, nil
	default:
		return Readiness{}, nil
	}
}

// Submit enqueues work on the grid and awaits the result within timeout.
// Against a cold target only the first caller proceeds as the warm-up
// submission; concurrent callers fail fast with a retryable 503.
func (g *Grid) Submit(ctx context.Context, req *Request, timeout time.Duration) (*Result, error) {
	ready, err := g.Readiness(ctx, req.Endpoint)
	if err != nil {
		return nil, err
	}
	if !ready.Online {
		return nil, apierr.BackendUnavailable("no backend job serving model %s on %s", req.Endpoint.Model, req.Endpoint.Cluster)
	}
	warming := false
	if ready.Cold() {
		won, err := g.cache.SetNX(ctx, warmupKey(req.Endpoint.Slug), "1", g.sentinelTTL)
		if err != nil {
			return nil, apierr.Internal(err, "cold-start sentinel unavailable")
		}
		if !won {
			g.metrics.IncColdStartRejected(req.Endpoint.Cluster)
			e := apierr.BackendUnavailable("model %s is warming up, retry later", req.Endpoint.Model)
			e.Remediation = "retry after the backend finishes cold start"
			return nil, e
		}
		warming = true
	}

	taskID, err := g.submitAck(ctx, req)
	if err != nil {
		if warming {
			g.clearWarmup(ctx, req.Endpoint.Slug)
		}
		return nil, err
	}

	result, err := g.await(ctx, req.Endpoint.Cluster, taskID, timeout)
	if warming && err == nil {
		// The target served a request, so it is warm; let new callers in
		// before the sentinel TTL lapses.
		g.clearWarmup(ctx, req.Endpoint.Slug)
	}
	return result, err
}

// SubmitStream is unsupported: the grid returns whole results, and
// buffering a fake stream would hide that. The rejection is a signaled,
// client-facing condition, not an internal failure.
func (g *Grid) SubmitStream(_ context.Context, req *Request) (Stream, error) {
	e := apierr.Validation("streaming is not supported by cluster %s", req.Endpoint.Cluster)
	e.Status = http.StatusNotImplemented
	e.Err = ErrStreamingUnsupported
	e.Remediation = `resubmit without "stream": true`
	return nil, e
}

type gridSubmitRequest struct {
	Function  string          `json:"function"`
	Queue     string          `json:"queue,omitempty"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

type gridSubmitAck struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

type gridAwaitRequest struct {
	TaskID    string `json:"task_id"`
	TimeoutMS int64  `json:"timeout_ms"`
}

func (g *Grid) submitAck(ctx context.Context, req *Request) (string, error) {
	payload, err := json.Marshal(gridSubmitRequest{
		Function:  req.Endpoint.Config.Function,
		Queue:     req.Endpoint.Config.Queue,
		Operation: req.Operation,
		Payload:   req.Payload,
	})
	if err != nil {
		return "", apierr.Internal(err, "encode grid submission")
	}
	ackCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	msg, err := g.nc.RequestWithContext(ackCtx, fmt.Sprintf(subjectSubmit, req.Endpoint.Cluster), payload)
	if err != nil {
		return "", apierr.BackendUnavailable("cluster %s did not accept submission: %v", req.Endpoint.Cluster, err)
	}
	var ack gridSubmitAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return "", apierr.BackendExecution(err, "malformed submission ack from %s", req.Endpoint.Cluster)
	}
	if ack.Error != "" {
		return "", apierr.BackendExecution(nil, "cluster %s rejected submission: %s", req.Endpoint.Cluster, ack.Error)
	}
	if ack.TaskID == "" {
		return "", apierr.BackendExecution(nil, "cluster %s ack missing task id", req.Endpoint.Cluster)
	}
	return ack.TaskID, nil
}

// await blocks on the task's opaque future. On timeout the partial Result
// still carries the backend task id for late reconciliation.
func (g *Grid) await(ctx context.Context, cluster, taskID string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(gridAwaitRequest{TaskID: taskID, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return &Result{BackendTaskID: taskID}, apierr.Internal(err, "encode await request")
	}
	start := time.Now()
	msg, err := g.nc.RequestWithContext(awaitCtx, fmt.Sprintf(subjectAwait, cluster), payload)
	g.metrics.ObserveBackendLatency(cluster, time.Since(start).Seconds())
	if err != nil {
		if awaitCtx.Err() != nil {
			return &Result{BackendTaskID: taskID}, apierr.Timeout("task %s did not complete within %s", taskID, timeout)
		}
		return &Result{BackendTaskID: taskID}, apierr.BackendUnavailable("cluster %s unreachable while awaiting task: %v", cluster, err)
	}

	var status TaskStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return &Result{BackendTaskID: taskID}, apierr.BackendExecution(err, "malformed task status from %s", cluster)
	}
	switch status.State {
	case TaskStateSucceeded:
		return &Result{Body: status.Result, BackendTaskID: taskID}, nil
	case TaskStateFailed:
		return &Result{BackendTaskID: taskID}, apierr.BackendExecution(nil, "task failed on %s: %s", cluster, status.Error)
	default:
		return &Result{BackendTaskID: taskID}, apierr.Timeout("task %s still %s after %s", taskID, status.State, timeout)
	}
}

// gridStatusClient queries the cluster status subject. It is separate from
// Grid so the StatusCache can be wired before the full adapter exists.
type gridStatusClient struct {
	nc Requester
}

// NewGridFetcher returns a SnapshotFetcher over the grid's status subject.
func NewGridFetcher(nc Requester) SnapshotFetcher {
	return gridStatusClient{nc: nc}
}

func (c gridStatusClient) FetchJobs(ctx context.Context, cluster string) (*JobsSnapshot, error) {
	reqCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	msg, err := c.nc.RequestWithContext(reqCtx, fmt.Sprintf(subjectStatus, cluster), []byte("{}"))
	if err != nil {
		return nil, fmt.Errorf("cluster %s status query: %w", cluster, err)
	}
	var snap JobsSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode cluster %s status: %w", cluster, err)
	}
	return &snap, nil
}

// FetchJobs implements SnapshotFetcher by querying the cluster's scheduler.
func (g *Grid) FetchJobs(ctx context.Context, cluster string) (*JobsSnapshot, error) {
	return gridStatusClient{nc: g.nc}.FetchJobs(ctx, cluster)
}

type gridBatchSubmit struct {
	Function string          `json:"function"`
	Queue    string          `json:"queue,omitempty"`
	InputRef string          `json:"input_ref"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type gridBatchAck struct {
	BatchID string   `json:"batch_id"`
	TaskIDs []string `json:"task_ids,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type gridBatchStatusRequest struct {
	BatchID string   `json:"batch_id"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

type gridBatchStatusReply struct {
	Tasks []TaskStatus `json:"tasks"`
	Error string       `json:"error,omitempty"`
}

// SubmitBatch enqueues a multi-task batch on the grid.
func (g *Grid) SubmitBatch(ctx context.Context, ep *registry.Endpoint, inputRef string, payload json.RawMessage) (string, []string, error) {
	data, err := json.Marshal(gridBatchSubmit{
		Function: ep.Config.Function,
		Queue:    ep.Config.Queue,
		InputRef: inputRef,
		Payload:  payload,
	})
	if err != nil {
		return "", nil, apierr.Internal(err, "encode batch submission")
	}
	reqCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	msg, err := g.nc.RequestWithContext(reqCtx, fmt.Sprintf(subjectBatchSubmit, ep.Cluster), data)
	if err != nil {
		return "", nil, apierr.BackendUnavailable("cluster %s did not accept batch: %v", ep.Cluster, err)
	}
	var ack gridBatchAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return "", nil, apierr.BackendExecution(err, "malformed batch ack from %s", ep.Cluster)
	}
	if ack.Error != "" {
		return "", nil, apierr.BackendExecution(nil, "cluster %s rejected batch: %s", ep.Cluster, ack.Error)
	}
	if ack.BatchID == "" {
		return "", nil, apierr.BackendExecution(nil, "cluster %s batch ack missing id", ep.Cluster)
	}
	return ack.BatchID, ack.TaskIDs, nil
}

// BatchTaskStatuses queries the authoritative status of every constituent
// task of a batch.
func (g *Grid) BatchTaskStatuses(ctx context.Context, cluster, backendBatchID string, taskIDs []string) ([]TaskStatus, error) {
	data, err := json.Marshal(gridBatchStatusRequest{BatchID: backendBatchID, TaskIDs: taskIDs})
	if err != nil {
		return nil, apierr.Internal(err, "encode batch status request")
	}
	reqCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	msg, err := g.nc.RequestWithContext(reqCtx, fmt.Sprintf(subjectBatchStatus, cluster), data)
	if err != nil {
		return nil, apierr.BackendUnavailable("cluster %s unreachable for batch status: %v", cluster, err)
	}
	var reply gridBatchStatusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, apierr.BackendExecution(err, "malformed batch status from %s", cluster)
	}
	if reply.Error != "" {
		return nil, apierr.BackendExecution(nil, "cluster %s batch status error: %s", cluster, reply.Error)
	}
	return reply.Tasks, nil
}

// CancelBatch asks the grid to terminate a batch, best effort.
func (g *Grid) CancelBatch(ctx context.Context, cluster, backendBatchID string) error {
	data, err := json.Marshal(gridBatchStatusRequest{BatchID: backendBatchID})
	if err != nil {
		return apierr.Internal(err, "encode batch cancel request")
	}
	reqCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	msg, err := g.nc.RequestWithContext(reqCtx, fmt.Sprintf(subjectBatchCancel, cluster), data)
	if err != nil {
		return apierr.BackendUnavailable("cluster %s unreachable for cancel: %v", cluster, err)
	}
	var ack gridBatchAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return apierr.BackendExecution(err, "malformed cancel ack from %s", cluster)
	}
	if ack.Error != "" {
		return apierr.BackendExecution(nil, "cluster %s cancel failed: %s", cluster, ack.Error)
	}
	return nil
}

func (g *Grid) clearWarmup(ctx context.Context, slug string) {
	if err := g.cache.Del(ctx, warmupKey(slug)); err != nil {
		logging.Warn("grid", "clear warmup sentinel failed", "endpoint", slug, "error", err)
	}
}

func warmupKey(slug string) string {
	return warmupKeyPrefix + slug
}
