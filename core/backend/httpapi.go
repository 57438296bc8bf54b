package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/infra/cache"
	"github.com/modelgate/modelgate/core/infra/logging"
	"github.com/modelgate/modelgate/core/infra/metrics"
	"github.com/modelgate/modelgate/core/registry"
)

const (
	readyKeyPrefix     = "status:http:"
	maxResponseBytes   = 16 << 20 // 16 MiB
	defaultMaxChunks   = 20
	defaultSummaryWait = 5 * time.Minute
)

// SummarySink receives the bounded summary of a completed stream. The
// dispatcher's task store satisfies it.
type SummarySink interface {
	WriteStreamSummary(ctx context.Context, taskID, summary string) error
}

// HTTPAPI fronts a hosted OpenAI-compatible service reached directly over
// HTTPS, with no intermediate task queue.
type HTTPAPI struct {
	client       *http.Client
	cache        cache.Cache
	readinessTTL time.Duration
	sink         SummarySink
	metrics      metrics.DispatchMetrics

	// Bounds on the background stream-summary capture.
	summaryMaxChunks int
	summaryMaxWait   time.Duration

	group singleflight.Group
}

// HTTPAPIOptions tunes the adapter; zero values select defaults.
type HTTPAPIOptions struct {
	Client           *http.Client
	ReadinessTTL     time.Duration
	SummaryMaxChunks int
	SummaryMaxWait   time.Duration
	Metrics          metrics.DispatchMetrics
}

// NewHTTPAPI constructs the direct-HTTP adapter. sink may be nil, in which
// case stream summaries are dropped.
func NewHTTPAPI(c cache.Cache, sink SummarySink, opts HTTPAPIOptions) *HTTPAPI {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 0} // per-request deadlines via context
	}
	ttl := opts.ReadinessTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	maxChunks := opts.SummaryMaxChunks
	if maxChunks <= 0 {
		maxChunks = defaultMaxChunks
	}
	maxWait := opts.SummaryMaxWait
	if maxWait <= 0 {
		maxWait = defaultSummaryWait
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &HTTPAPI{
		client:           client,
		cache:            c,
		readinessTTL:     ttl,
		sink:             sink,
		metrics:          m,
		summaryMaxChunks: maxChunks,
		summaryMaxWait:   maxWait,
	}
}

func (h *HTTPAPI) Kind() registry.AdapterKind { return registry.AdapterHTTP }

// Readiness probes the service's health endpoint, caching the verdict so a
// burst of requests costs one probe per TTL window.
func (h *HTTPAPI) Readiness(ctx context.Context, ep *registry.Endpoint) (Readiness, error) {
	base, err := h.baseURL(ep)
	if err != nil {
		return Readiness{}, err
	}
	key := readyKeyPrefix + ep.Slug
	if raw, ok, err := h.cache.Get(ctx, key); err == nil && ok {
		var r Readiness
		if json.Unmarshal([]byte(raw), &r) == nil {
			return r, nil
		}
	}
	v, err, _ := h.group.Do(ep.Slug, func() (any, error) {
		r := h.probe(ctx, base, ep)
		if data, err := json.Marshal(r); err == nil {
			if err := h.cache.Set(ctx, key, string(data), h.readinessTTL); err != nil {
				logging.Warn("httpapi", "readiness cache write failed", "endpoint", ep.Slug, "error", err)
			}
		}
		return r, nil
	})
	if err != nil {
		return Readiness{}, err
	}
	return v.(Readiness), nil
}

func (h *HTTPAPI) probe(ctx context.Context, base string, ep *registry.Endpoint) Readiness {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return Readiness{}
	}
	h.authorize(req, ep)
	resp, err := h.client.Do(req)
	if err != nil {
		return Readiness{}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// A hosted service does not expose worker counts; reachable means
		// warm as far as dispatch is concerned.
		return Readiness{Online: true, WorkersActive: 1}
	}
	return Readiness{}
}

// Submit proxies the request body to the upstream OpenAI-compatible route
// and returns the upstream body verbatim.
func (h *HTTPAPI) Submit(ctx context.Context, req *Request, timeout time.Duration) (*Result, error) {
	base, err := h.baseURL(req.Endpoint)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, base+"/v1/"+req.Operation, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, apierr.Internal(err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	h.authorize(httpReq, req.Endpoint)

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	h.metrics.ObserveBackendLatency(req.Endpoint.Cluster, time.Since(start).Seconds())
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, apierr.Timeout("upstream %s did not respond within %s", req.Endpoint.Cluster, timeout)
		}
		return nil, apierr.BackendUnavailable("upstream %s unreachable: %v", req.Endpoint.Cluster, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierr.BackendExecution(err, "read upstream response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.BackendExecution(nil, "upstream %s returned %d: %s", req.Endpoint.Cluster, resp.StatusCode, truncate(string(body), 512))
	}
	return &Result{Body: body}, nil
}

// SubmitStream opens an SSE stream against the upstream route. The upstream
// connection is deliberately detached from the caller's context: when the
// caller disconnects mid-stream, capture continues in the background (bounded
// by summaryMaxWait and summaryMaxChunks) so the audit record still gets a
// summary of what the backend produced.
func (h *HTTPAPI) SubmitStream(ctx context.Context, req *Request) (Stream, error) {
	base, err := h.baseURL(req.Endpoint)
	if err != nil {
		return nil, err
	}

	upstreamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.summaryMaxWait)

	httpReq, err := http.NewRequestWithContext(upstreamCtx, http.MethodPost, base+"/v1/"+req.Operation, bytes.NewReader(req.Payload))
	if err != nil {
		cancel()
		return nil, apierr.Internal(err, "build upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	h.authorize(httpReq, req.Endpoint)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, apierr.BackendUnavailable("upstream %s unreachable: %v", req.Endpoint.Cluster, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, apierr.BackendExecution(nil, "upstream %s returned %d: %s", req.Endpoint.Cluster, resp.StatusCode, truncate(string(body), 512))
	}

	st := &sseStream{
		chunks:     make(chan []byte, 16),
		callerGone: make(chan struct{}),
	}
	go h.pump(resp.Body, cancel, st, req)
	return st, nil
}

// pump reads SSE lines from the upstream body, forwarding chunks to the
// caller while it is still listening and accumulating the bounded summary
// either way. Runs until the upstream stream ends or the wait bound fires.
func (h *HTTPAPI) pump(body io.ReadCloser, cancel context.CancelFunc, st *sseStream, req *Request) {
	defer cancel()
	defer body.Close()

	var summary []string
	callerGone := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		data, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}
		chunk := append([]byte(nil), data...)
		if len(summary) < h.summaryMaxChunks {
			if text := chunkText(chunk); text != "" {
				summary = append(summary, text)
			}
		}
		if !callerGone {
			select {
			case st.chunks <- chunk:
			case <-st.callerGone:
				callerGone = true
			}
		} else if len(summary) >= h.summaryMaxChunks {
			// Nothing left to collect and nobody listening.
			break
		}
	}
	st.finish(scanner.Err())

	if h.sink == nil || req.TaskID == "" {
		return
	}
	sinkCtx, sinkCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sinkCancel()
	if err := h.sink.WriteStreamSummary(sinkCtx, req.TaskID, strings.Join(summary, "")); err != nil {
		logging.Warn("httpapi", "stream summary write failed", "task_id", req.TaskID, "error", err)
	}
}

// chunkText pulls the delta content out of an OpenAI streaming chunk; other
// shapes contribute nothing to the summary.
func chunkText(chunk []byte) string {
	var parsed struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(chunk, &parsed); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range parsed.Choices {
		if c.Delta.Content != "" {
			sb.WriteString(c.Delta.Content)
		} else if c.Text != "" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

type sseStream struct {
	chunks     chan []byte
	callerGone chan struct{}
	err        error
}

func (s *sseStream) finish(err error) {
	s.err = err
	close(s.chunks)
}

// Recv returns the next chunk, or io.EOF when the upstream stream ended.
func (s *sseStream) Recv() ([]byte, error) {
	chunk, ok := <-s.chunks
	if !ok {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	return chunk, nil
}

// Close signals that the caller is gone. The background pump keeps reading
// for summary capture; Close never cancels it.
func (s *sseStream) Close() error {
	select {
	case <-s.callerGone:
	default:
		close(s.callerGone)
	}
	return nil
}

func (h *HTTPAPI) baseURL(ep *registry.Endpoint) (string, error) {
	raw := strings.TrimRight(ep.Config.BaseURL, "/")
	if raw == "" {
		return "", apierr.Internal(nil, "endpoint %s has no base_url", ep.Slug)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", apierr.Internal(err, "endpoint %s base_url invalid", ep.Slug)
	}
	if ep.Config.APIPort > 0 && u.Port() == "" {
		u.Host = fmt.Sprintf("%s:%d", u.Hostname(), ep.Config.APIPort)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func (h *HTTPAPI) authorize(req *http.Request, ep *registry.Endpoint) {
	if ep.Config.APIKeyEnv == "" {
		return
	}
	if key := os.Getenv(ep.Config.APIKeyEnv); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
