// Package gateway exposes the OpenAI-compatible HTTP surface: bearer-token
// authentication, schema validation, dispatch to backend clusters, batch
// lifecycle endpoints, and the live audit event feed.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/auth"
	"github.com/modelgate/modelgate/core/batch"
	"github.com/modelgate/modelgate/core/dispatch"
	"github.com/modelgate/modelgate/core/events"
	"github.com/modelgate/modelgate/core/infra/config"
	"github.com/modelgate/modelgate/core/infra/logging"
	"github.com/modelgate/modelgate/core/infra/metrics"
	"github.com/modelgate/modelgate/core/registry"
	"github.com/modelgate/modelgate/core/storage"
)

const maxRequestBodyBytes = 2 << 20 // 2 MiB

// Server wires the HTTP surface to the dispatch core.
type Server struct {
	cfg        *config.Config
	tokens     *auth.TokenCache
	engine     *auth.Engine
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	batches    *batch.Manager
	store      storage.Store
	hub        *events.Hub
	metrics    metrics.GatewayMetrics
	validator  *validator

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	started time.Time
}

// New constructs the server; it does not start listening.
func New(cfg *config.Config, tokens *auth.TokenCache, engine *auth.Engine, reg *registry.Registry, d *dispatch.Dispatcher, batches *batch.Manager, store storage.Store, hub *events.Hub, m metrics.GatewayMetrics) (*Server, error) {
	v, err := newValidator()
	if err != nil {
		return nil, fmt.Errorf("compile request schemas: %w", err)
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Server{
		cfg:        cfg,
		tokens:     tokens,
		engine:     engine,
		registry:   reg,
		dispatcher: d,
		batches:    batches,
		store:      store,
		hub:        hub,
		metrics:    m,
		validator:  v,
		limiters:   make(map[string]*rate.Limiter),
		started:    time.Now().UTC(),
	}, nil
}

// Handler builds the routed and middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// OpenAI-compatible inference surface.
	mux.HandleFunc("POST /{cluster}/{framework}/v1/chat/completions", s.instrumented("/{cluster}/{framework}/v1/chat/completions", s.authenticated(s.handleInference("chat/completions"))))
	mux.HandleFunc("POST /{cluster}/{framework}/v1/completions", s.instrumented("/{cluster}/{framework}/v1/completions", s.authenticated(s.handleInference("completions"))))
	mux.HandleFunc("POST /{cluster}/{framework}/v1/embeddings", s.instrumented("/{cluster}/{framework}/v1/embeddings", s.authenticated(s.handleInference("embeddings"))))

	// Batch lifecycle.
	mux.HandleFunc("POST /{cluster}/{framework}/v1/batches", s.instrumented("/{cluster}/{framework}/v1/batches", s.authenticated(s.handleSubmitBatch)))
	mux.HandleFunc("GET /v1/batches", s.instrumented("/v1/batches", s.authenticated(s.handleListBatches)))
	mux.HandleFunc("GET /v1/batches/{id}", s.instrumented("/v1/batches/{id}", s.authenticated(s.handleGetBatch)))
	mux.HandleFunc("GET /v1/batches/{id}/result", s.instrumented("/v1/batches/{id}/result", s.authenticated(s.handleBatchResult)))
	mux.HandleFunc("POST /v1/batches/{id}/cancel", s.instrumented("/v1/batches/{id}/cancel", s.authenticated(s.handleCancelBatch)))

	// Discovery and dashboards.
	mux.HandleFunc("GET /v1/models", s.instrumented("/v1/models", s.authenticated(s.handleListModels)))
	mux.HandleFunc("GET /v1/tasks", s.instrumented("/v1/tasks", s.authenticated(s.handleListTasks)))
	mux.HandleFunc("/v1/events", s.instrumented("/v1/events", s.authenticated(s.handleEvents)))

	return corsMiddleware(mux)
}

// Run serves HTTP and metrics until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:         s.cfg.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("gateway", "metrics listening", "addr", s.cfg.MetricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway", "http listening", "addr", s.cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// principal is the authenticated caller attached to the request context.
type principal struct {
	claims   *auth.Claims
	identity *storage.Identity
}

type principalKey struct{}

func principalFrom(r *http.Request) *principal {
	p, _ := r.Context().Value(principalKey{}).(*principal)
	return p
}

// authenticated resolves the bearer token, upserts the identity, and applies
// the per-identity rate limit before invoking the handler.
func (s *Server) authenticated(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, apierr.Authentication("missing bearer token"))
			return
		}
		claims, err := s.tokens.GetOrIntrospect(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		// Base authorization against the session itself; per-target
		// capability checks happen after endpoint resolution.
		if decision := s.engine.Authorize(claims, auth.Capabilities{}); !decision.Allowed {
			s.writeError(w, decision.Err())
			return
		}
		if !s.allow(claims.Subject) {
			s.writeError(w, &apierr.Error{
				Kind:        apierr.KindValidation,
				Status:      http.StatusTooManyRequests,
				Message:     "rate limit exceeded",
				Remediation: "retry after backing off",
			})
			return
		}

		identity, err := s.store.UpsertIdentity(r.Context(), &storage.Identity{
			ID:          claims.Subject,
			DisplayName: claims.DisplayName,
			Username:    claims.Username,
			IdPID:       claims.IdPID,
			IdPName:     claims.IdPName,
			AuthService: claims.AuthService,
		})
		if err != nil {
			s.writeError(w, apierr.Internal(err, "identity lookup failed"))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, &principal{claims: claims, identity: identity})
		fn(w, r.WithContext(ctx))
	}
}

// maxRateLimiters bounds the per-identity limiter map. At the cap the map is
// reset wholesale; evicted identities simply start with a full bucket on
// their next request.
const maxRateLimiters = 8192

// allow applies the per-identity token bucket.
func (s *Server) allow(subject string) bool {
	if s.cfg.RateLimitRPS <= 0 {
		return true
	}
	s.limitersMu.Lock()
	lim, ok := s.limiters[subject]
	if !ok {
		if len(s.limiters) >= maxRateLimiters {
			s.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
		s.limiters[subject] = lim
	}
	s.limitersMu.Unlock()
	return lim.Allow()
}

// resolveTarget resolves the path triple plus body model to an endpoint and
// authorizes the caller against cluster and endpoint capabilities.
func (s *Server) resolveTarget(r *http.Request, p *principal, operation, model string) (*registry.Endpoint, error) {
	clusterName := r.PathValue("cluster")
	framework := r.PathValue("framework")

	cluster, err := s.registry.Cluster(clusterName)
	if err != nil {
		return nil, err
	}
	if !cluster.ServesOpenAIEndpoint(operation) {
		return nil, apierr.Resolution("cluster %s does not serve %s", clusterName, operation)
	}
	if decision := s.engine.Authorize(p.claims, cluster.Capabilities()); !decision.Allowed {
		return nil, decision.Err()
	}

	ep, err := s.registry.Resolve(clusterName, framework, model)
	if err != nil {
		return nil, err
	}
	if decision := s.engine.Authorize(p.claims, ep.Capabilities()); !decision.Allowed {
		return nil, decision.Err()
	}
	return ep, nil
}

func (s *Server) requireAdmin(p *principal) error {
	if s.cfg.AdminGroup == "" {
		return nil
	}
	if s.engine.IsServiceAccount(p.claims) || p.claims.InGroup(s.cfg.AdminGroup) {
		return nil
	}
	return apierr.Authorization("membership in group %q required", s.cfg.AdminGroup)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	// Websocket clients cannot set headers from browsers; accept a query
	// parameter there.
	return r.URL.Query().Get("token")
}

// --- response helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("gateway", "response encode failed", "error", err)
	}
}

type errorEnvelope struct {
	Error string `json:"Error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusOf(err)
	if status >= 500 {
		logging.Error("gateway", "request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, errorEnvelope{Error: err.Error()})
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if fl, ok := r.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// Hijack forwards to the underlying connection so websocket upgrades work
// through the instrumentation wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}
	allowed := strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",")
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" {
			return true
		}
		if a != "" && strings.EqualFold(a, origin) {
			return true
		}
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
