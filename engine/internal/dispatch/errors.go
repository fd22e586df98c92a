package dispatch

import (
	"encoding/json"
	"net/http"

	"github.com/vllm-router/core/engine/internal/domain"
)

// statusForKind is the stable error-kind-to-HTTP-status mapping spec
// section 7 defines.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrNoEndpoint, domain.ErrNoBackendForModel:
		return http.StatusServiceUnavailable
	case domain.ErrUpstreamConnect, domain.ErrUpstreamProtocol, domain.ErrOracleUnavailable:
		return http.StatusBadGateway
	case domain.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrClientCancelled:
		return 499 // nginx convention for client-closed-request, no standard code exists
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

// writeError emits the stable JSON error body: {"error": {"kind": ..., "message": ...}}.
func writeError(w http.ResponseWriter, routingErr *domain.RoutingError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(routingErr.Kind))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"kind":    string(routingErr.Kind),
			"message": routingErr.Message,
		},
	})
}
