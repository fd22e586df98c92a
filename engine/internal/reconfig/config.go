// Package reconfig implements spec component C8: applying a new dynamic
// configuration document by building a fresh C3 discovery variant and C6
// routing strategy and atomically swapping them in, per spec section 4.8.
// Every other field in the document (workflow/message bounds, header
// names) is validated and retained for introspection, but this router's
// literal reading of section 4.8's five-step algorithm only names C3 and
// C6 as hot-swappable; the rest take effect on next process start (see
// DESIGN.md).
package reconfig

import (
	"encoding/json"

	"github.com/vllm-router/core/engine/internal/domain"
)

// Config is the dynamic configuration document spec section 6 defines.
type Config struct {
	ServiceDiscovery    string `json:"service_discovery"`
	RoutingLogic        string `json:"routing_logic"`
	StaticBackends      string `json:"static_backends"`
	StaticModels        string `json:"static_models"`
	StaticModelTypes    string `json:"static_model_types"`
	APIKey              string `json:"api_key"`
	SessionKey          string `json:"session_key"`
	KVAwareThreshold    float64 `json:"kv_aware_threshold"`
	WorkflowTTLSeconds  int     `json:"workflow_ttl"`
	MaxWorkflows        int     `json:"max_workflows"`
	BatchingPreference  float64 `json:"batching_preference"`
	MaxMessageQueueSize int     `json:"max_message_queue_size"`
	MaxMessageSize      int     `json:"max_message_size"`
	PriorityHeader      string  `json:"priority_header"`
	ExpectedOutputLen   string  `json:"expected_output_len_header"`
	SLAHeader           string  `json:"sla_header"`
	PrefillTag          string  `json:"prefill_tag"`
	DecodingTag         string  `json:"decoding_tag"`
}

var validServiceDiscovery = map[string]bool{"static": true, "dynamic": true, "cluster": true}

// routingLogicAliases translates the dynamic config document's routing_logic
// enum (spec section 6) onto this package's internal routing.Strategy*
// names. "prefixaware" has no distinct formula of its own in spec section
// 4.6 - it aliases to session-sticky, the pure consistent-hash strategy
// kv-aware itself falls back to once the oracle is out of the picture.
// "disaggregated_qoe" likewise aliases to the single disaggregated
// prefill/decode strategy spec section 4.6 describes; the spec gives only
// one scoring formula pair for disaggregated routing, not two.
var routingLogicAliases = map[string]string{
	"roundrobin":            "round_robin",
	"session":               "session_sticky",
	"kvaware":               "kv_aware",
	"prefixaware":           "session_sticky",
	"disaggregated_prefill": "disaggregated",
	"workflow_aware":        "workflow_aware",
	"qoe_centric":           "qoe_centric",
	"disaggregated_qoe":     "disaggregated",
	"time_tracking":         "time_tracking",
}

// internalStrategyName translates a routing_logic enum value to this
// package's internal routing.Strategy* constant, or false if unrecognized.
func internalStrategyName(routingLogic string) (string, bool) {
	name, ok := routingLogicAliases[routingLogic]
	return name, ok
}

// TranslateRoutingLogic exposes the routing_logic alias table to the public
// facade's startup path, so the CLI's --routing-logic flag and a reconfigure
// document resolve strategy names identically.
func TranslateRoutingLogic(routingLogic string) (string, bool) {
	return internalStrategyName(routingLogic)
}

// parseConfig unmarshals and validates the shape of a reconfigure document.
// It does not apply anything; callers decide what to do with a valid Config.
func parseConfig(raw []byte) (Config, *domain.RoutingError) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, domain.NewRoutingError(domain.ErrConfigInvalid, "malformed config document: "+err.Error())
	}
	if cfg.ServiceDiscovery == "" {
		return Config{}, domain.NewRoutingError(domain.ErrConfigInvalid, "service_discovery is required")
	}
	if !validServiceDiscovery[cfg.ServiceDiscovery] {
		return Config{}, domain.NewRoutingError(domain.ErrConfigInvalid, "unknown service_discovery "+cfg.ServiceDiscovery)
	}
	if cfg.RoutingLogic == "" {
		return Config{}, domain.NewRoutingError(domain.ErrConfigInvalid, "routing_logic is required")
	}
	if _, ok := internalStrategyName(cfg.RoutingLogic); !ok {
		return Config{}, domain.NewRoutingError(domain.ErrConfigInvalid, "unknown routing_logic "+cfg.RoutingLogic)
	}
	return cfg, nil
}
