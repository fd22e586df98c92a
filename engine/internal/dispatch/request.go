package dispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/vllm-router/core/engine/internal/domain"
)

// maxRequestBodyBytes bounds the body this router will buffer to inspect
// for routing hints (model, workflow id, priority). Anything larger fails
// fast with MessageTooLarge rather than risking memory pressure from a
// pathological client.
const maxRequestBodyBytes = 32 << 20 // 32MiB

// Default header names for the request conventions spec section 6 lists.
// A future reconfig pass may make these configurable per deployment; until
// then these are the literal defaults the spec gives.
const (
	requestIDHeader       = "x-request-id"
	parentRequestIDHeader = "x-parent-request-id"
	priorityHeader        = "x-request-priority"
)

// bodyMessage is the subset of a chat message this router inspects for
// disaggregation phase classification (P8): only the role matters here.
type bodyMessage struct {
	Role string `json:"role"`
}

// workflowMetadata is the body-field equivalent of the x-workflow-id /
// x-agent-id / x-parent-request-id headers, accepted interchangeably per
// spec section 6.
type workflowMetadata struct {
	WorkflowID            string `json:"workflow_id"`
	AgentID               string `json:"agent_id"`
	ParentRequestID       string `json:"parent_request_id"`
	ContextSharingStrategy string `json:"context_sharing_strategy"`
}

// parsedRequest is the subset of fields this router reads out of an
// OpenAI-compatible request body to make a routing decision. Every field is
// optional; a client that sends none of them still gets routed (by
// round-robin or whatever strategy needs the least information).
type parsedRequest struct {
	Model              string           `json:"model"`
	Stream             bool             `json:"stream"`
	WorkflowID         string           `json:"workflow_id"`
	AgentID            string           `json:"agent_id"`
	Priority           int              `json:"priority"`
	BatchingPreference float64          `json:"batching_preference"`
	Messages           []bodyMessage    `json:"messages"`
	ParentID           string           `json:"parent_id"`
	PreviousMessageID  string           `json:"previous_message_id"`
	WorkflowMetadata   workflowMetadata `json:"workflow_metadata"`

	// RequestID is never read from the body; it is filled in by
	// readAndParseBody from the x-request-id header (or a fresh uuid).
	RequestID string `json:"-"`
	// ParentRequestID mirrors ParentID but for the workflow-chaining header
	// convention rather than the message-chaining one.
	ParentRequestID string `json:"-"`
	// Unparsable is true when the body was not valid JSON, per P8's
	// "unparsable body defaults to true (prefill)" rule.
	Unparsable bool `json:"-"`
}

// isPrefill implements spec P8 literally: a request is prefill iff its
// messages array has no assistant turn and neither parent_id nor
// previous_message_id is present. An unparsable body defaults to prefill.
func (p parsedRequest) isPrefill() bool {
	if p.Unparsable {
		return true
	}
	if p.ParentID != "" || p.PreviousMessageID != "" {
		return false
	}
	for _, m := range p.Messages {
		if m.Role == "assistant" {
			return false
		}
	}
	return true
}

// readAndParseBody buffers r.Body (bounded by maxRequestBodyBytes), parses
// the routing-relevant fields, and returns the raw bytes so the caller can
// still forward the exact original body upstream.
func readAndParseBody(r *http.Request) ([]byte, parsedRequest, *domain.RoutingError) {
	limited := io.LimitReader(r.Body, maxRequestBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, parsedRequest{}, domain.NewRoutingError(domain.ErrUpstreamProtocol, "failed to read request body: "+err.Error())
	}
	if len(body) > maxRequestBodyBytes {
		return nil, parsedRequest{}, domain.NewRoutingError(domain.ErrMessageTooLarge, "request body exceeds maximum size")
	}

	var parsed parsedRequest
	// A non-JSON body (e.g. multipart audio transcription) is valid; routing
	// just falls back to header-derived hints in that case, and P8 treats it
	// as prefill.
	if len(bytes.TrimSpace(body)) > 0 {
		parsed.Unparsable = json.Unmarshal(body, &parsed) != nil
	}
	if parsed.Model == "" {
		parsed.Model = r.Header.Get("x-model")
	}
	if parsed.WorkflowID == "" {
		parsed.WorkflowID = firstNonEmpty(r.Header.Get("x-workflow-id"), parsed.WorkflowMetadata.WorkflowID)
	}
	if parsed.AgentID == "" {
		parsed.AgentID = firstNonEmpty(r.Header.Get("x-agent-id"), parsed.WorkflowMetadata.AgentID)
	}
	parsed.ParentRequestID = firstNonEmpty(r.Header.Get(parentRequestIDHeader), parsed.WorkflowMetadata.ParentRequestID)
	if parsed.Priority == 0 {
		if v, err := strconv.Atoi(r.Header.Get(priorityHeader)); err == nil {
			parsed.Priority = v
		}
	}
	parsed.RequestID = r.Header.Get(requestIDHeader)
	if parsed.RequestID == "" {
		parsed.RequestID = uuid.NewString()
	}
	return body, parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
