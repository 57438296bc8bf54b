package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/modelgate/modelgate/core/apierr"
	"github.com/modelgate/modelgate/core/batch"
	"github.com/modelgate/modelgate/core/infra/logging"
	"github.com/modelgate/modelgate/core/registry"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// handleInference serves the synchronous and streaming OpenAI-compatible
// operations.
func (s *Server) handleInference(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
		if err != nil {
			s.writeError(w, apierr.Validation("request body unreadable: %v", err))
			return
		}
		body, err := s.validator.validate(operation, payload)
		if err != nil {
			s.writeError(w, err)
			return
		}
		model, _ := body["model"].(string)
		ep, err := s.resolveTarget(r, p, operation, model)
		if err != nil {
			s.writeError(w, err)
			return
		}

		if streaming, _ := body["stream"].(bool); streaming {
			s.serveStream(w, r, p, ep, operation, payload)
			return
		}

		result, _, err := s.dispatcher.Dispatch(r.Context(), p.identity, ep, operation, payload)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(result.Body); err != nil {
			logging.Warn("gateway", "response write failed", "error", err)
		}
	}
}

// serveStream relays backend chunks as server-sent events in backend order.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, p *principal, ep *registry.Endpoint, operation string, payload []byte) {
	stream, _, err := s.dispatcher.DispatchStream(r.Context(), p.identity, ep, operation, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer stream.Close()

	fl, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, apierr.Internal(nil, "streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.Warn("gateway", "stream interrupted", "error", err)
			return
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		fl.Flush()
		if r.Context().Err() != nil {
			return
		}
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	fl.Flush()
}

// --- batch handlers ---

type submitBatchRequest struct {
	Model     string          `json:"model"`
	InputRef  string          `json:"input_ref"`
	Operation string          `json:"operation,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		s.writeError(w, apierr.Validation("request body unreadable: %v", err))
		return
	}
	if _, err := s.validator.validate("batches", payload); err != nil {
		s.writeError(w, err)
		return
	}
	var req submitBatchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeError(w, apierr.Validation("request body invalid: %v", err))
		return
	}

	ep, err := s.resolveTarget(r, p, "batches", req.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}

	b, err := s.batches.Submit(r.Context(), p.identity, ep, req.InputRef, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	status := batch.Status(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 100)
	batches, err := s.batches.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

// batchStatusResponse is a Batch plus an optional caveat set when the
// backend could not be reached, so callers can tell stale state from fresh.
type batchStatusResponse struct {
	*batch.Batch
	ReconcileError string `json:"reconcile_error,omitempty"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	// A status query doubles as a reconcile so interrupted batches converge
	// without waiting for the background sweep.
	b, err := s.batches.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			s.writeError(w, apierr.Resolution("unknown batch %q", r.PathValue("id")))
			return
		}
		if b != nil {
			// Transient backend error: return the stored state, flagged as
			// unreconciled, rather than a hard failure.
			s.writeJSON(w, http.StatusOK, batchStatusResponse{Batch: b, ReconcileError: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBatchResult(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			s.writeError(w, apierr.Resolution("unknown batch %q", r.PathValue("id")))
			return
		}
		s.writeError(w, err)
		return
	}
	switch b.Status {
	case batch.StatusCompleted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(b.Result))
	case batch.StatusFailed, batch.StatusCancelled:
		s.writeError(w, apierr.BackendExecution(nil, "batch %s %s: %s", b.ID, b.Status, b.Reason))
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]any{"id": b.ID, "status": b.Status})
	}
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			s.writeError(w, apierr.Resolution("unknown batch %q", r.PathValue("id")))
			return
		}
		if b == nil {
			s.writeError(w, err)
			return
		}
		// Cancellation is accepted but the backend terminate has not
		// confirmed yet; say so instead of pretending convergence.
		s.writeJSON(w, http.StatusOK, batchStatusResponse{Batch: b, ReconcileError: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// --- discovery and dashboards ---

type modelEntry struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Cluster   string `json:"cluster"`
	Framework string `json:"framework"`
	OwnedBy   string `json:"owned_by"`
}

// handleListModels lists the endpoints visible to the caller, applying the
// same group/domain filter as authorization so restricted targets never
// leak into discovery.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	visible := s.registry.ListVisible(p.claims.Groups, p.claims.Domain)
	out := make([]modelEntry, 0, len(visible))
	for _, ep := range visible {
		out = append(out, modelEntry{
			ID:        ep.Model,
			Object:    "model",
			Cluster:   ep.Cluster,
			Framework: ep.Framework,
			OwnedBy:   ep.Cluster,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := s.requireAdmin(p); err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.store.ListRecentTasks(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, apierr.Internal(err, "list tasks"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
