package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vllm-router/core/engine/internal/domain"
)

// maxReconfigureBodyBytes bounds the config document POST /reconfigure will
// buffer, matching the same defensive cap readAndParseBody applies to
// inference request bodies.
const maxReconfigureBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth reports liveness: the process is up and the registry has a
// readable snapshot. It does not require any endpoint to be present -
// an empty fleet is a valid, if useless, steady state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"endpoint_count": len(snap.Endpoints),
		"version":        snap.Version,
	})
}

// handleModels lists every model name currently served by at least one
// registered endpoint.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snap := s.Registry.List()
	seen := make(map[string]struct{})
	models := make([]string, 0)
	for _, e := range snap.Endpoints {
		for name := range e.ModelNames {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				models = append(models, name)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// handleReconfigure applies the JSON config document in the request body
// immediately, rather than waiting for the next file-watch debounce, for
// operators who want a synchronous "did my config take" response.
func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	if s.Reconfig == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reconfigure is not wired for this deployment"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReconfigureBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body: " + err.Error()})
		return
	}
	if len(body) > maxReconfigureBodyBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "config document exceeds maximum size"})
		return
	}
	if err := s.Reconfig.Reconfigure(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconfigured"})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"strategy": s.Dispatcher.CurrentStrategyName()})
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Strategy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid \"strategy\" field"})
		return
	}
	if !s.Dispatcher.SetStrategy(body.Strategy) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown strategy " + body.Strategy})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": body.Strategy})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": s.Workflows.List()})
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	ctx, ok := s.Workflows.Get(workflowID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown workflow " + workflowID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id":      ctx.WorkflowID,
		"bound_endpoint":   ctx.BoundEndpoint,
		"created_at":       ctx.CreatedAt,
		"last_activity_at": ctx.LastActivityAt,
		"request_count":    ctx.RequestCount,
		"cache_hits":       ctx.CacheHits,
		"mailboxes":        s.Messages.AgentStats(workflowID),
	})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	var body struct {
		FromAgent string                 `json:"from_agent"`
		ToAgent   string                 `json:"to_agent"`
		Body      map[string]interface{} `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewRoutingError(domain.ErrConfigInvalid, "invalid message body: "+err.Error()))
		return
	}
	if body.ToAgent == "" {
		writeError(w, domain.NewRoutingError(domain.ErrConfigInvalid, "to_agent is required"))
		return
	}
	posted, err := s.Messages.Post(workflowID, body.FromAgent, body.ToAgent, body.Body)
	if err != nil {
		if routingErr, ok := err.(*domain.RoutingError); ok {
			writeError(w, routingErr)
			return
		}
		writeError(w, domain.NewRoutingError(domain.ErrConfigInvalid, err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"posted": len(posted)})
}

func (s *Server) handlePollMessages(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	agentID := chi.URLParam(r, "agentID")

	deadline := defaultLongPollTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			deadline = time.Duration(secs) * time.Second
		}
	}
	if deadline > maxLongPollTimeout {
		deadline = maxLongPollTimeout
	}

	msg, ok := s.Messages.Poll(r.Context(), workflowID, agentID, deadline)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// statusForKind duplicates dispatch.statusForKind's error-kind-to-HTTP-status
// mapping; the dispatch version is unexported, so httpapi keeps its own copy.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrNoEndpoint, domain.ErrNoBackendForModel:
		return http.StatusServiceUnavailable
	case domain.ErrUpstreamConnect, domain.ErrUpstreamProtocol, domain.ErrOracleUnavailable:
		return http.StatusBadGateway
	case domain.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrClientCancelled:
		return 499
	case domain.ErrMessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.ErrQueueOverflow:
		return http.StatusTooManyRequests
	case domain.ErrUnknownWorkflow:
		return http.StatusNotFound
	case domain.ErrConfigInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError mirrors dispatch.writeError's stable error body shape; the
// dispatch version is unexported, so httpapi keeps its own copy.
func writeError(w http.ResponseWriter, routingErr *domain.RoutingError) {
	writeJSON(w, statusForKind(routingErr.Kind), map[string]interface{}{
		"error": map[string]string{
			"kind":    string(routingErr.Kind),
			"message": routingErr.Message,
		},
	})
}
