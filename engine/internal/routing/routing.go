// Package routing implements spec component C6: the pluggable endpoint
// selection strategies. Every Strategy consumes the same read-only inputs
// (an endpoint snapshot plus stats lookups) and returns a single selected
// url or a typed domain.RoutingError; none of them hold a lock across a
// selection, matching the no-global-locks-on-the-request-path rule the rest
// of the router follows.
package routing

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/stats"
	"github.com/vllm-router/core/engine/internal/workflow"
)

// Request is the subset of an incoming HTTP request a strategy may consult.
// Strategies never see the raw *http.Request so they stay trivially testable.
type Request struct {
	Model        string
	WorkflowID   string
	AgentID      string
	SessionKey   string // e.g. a sticky-session header value
	Priority     int
	Headers      http.Header
	Phase        domain.RequestPhase
	PromptTokens int // estimated or engine-reported prompt length, for kv_aware's bypass gate
}

// EngineStatsLookup and RequestStatsLookup let strategies query C2's stores
// without depending on their concrete types, keeping routing tests
// hermetic.
type EngineStatsLookup func(url string) (stats.EngineStats, bool)
type RequestStatsLookup func(url string) stats.RequestStatsSnapshot

// Context bundles everything a Strategy.Route call needs beyond the request.
type Context struct {
	Ctx          context.Context
	Endpoints    []domain.Endpoint
	EngineStats  EngineStatsLookup
	RequestStats RequestStatsLookup
	Workflows    *workflow.Manager
	Now          time.Time
}

func (rc Context) ctxOrBackground() context.Context {
	if rc.Ctx != nil {
		return rc.Ctx
	}
	return context.Background()
}

// Strategy is the common interface all nine routing variants implement.
type Strategy interface {
	Name() string
	Route(req Request, rc Context) (string, error)
}

// filterForModel narrows to endpoints serving req.Model, returning the
// stable NoBackendForModel/NoEndpoint errors spec section 7 defines when
// nothing qualifies.
func filterForModel(endpoints []domain.Endpoint, model string) ([]domain.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, domain.NewRoutingError(domain.ErrNoEndpoint, "no endpoints registered")
	}
	if model == "" {
		return endpoints, nil
	}
	out := make([]domain.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.HasModel(model) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, domain.NewRoutingError(domain.ErrNoBackendForModel, "no backend serves model "+model)
	}
	return out, nil
}

// sortedURLs returns the endpoints' urls in lexicographic order, the tie
// break every strategy below uses for determinism under equal scores.
func sortedURLs(endpoints []domain.Endpoint) []string {
	urls := make([]string, len(endpoints))
	for i, e := range endpoints {
		urls[i] = e.URL
	}
	sort.Strings(urls)
	return urls
}
