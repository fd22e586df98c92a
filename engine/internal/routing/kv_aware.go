package routing

import (
	"context"

	"github.com/vllm-router/core/engine/internal/domain"
)

// Oracle advises which endpoint already holds the prefix-cache entries a
// request would need, typically backed by an external KV cache locality
// service. ok=false means the oracle has no preference (not an error; the
// strategy still falls through to consistent hashing in that case).
type Oracle interface {
	Preferred(ctx context.Context, req Request) (url string, ok bool, err error)
}

// KVAware implements spec section 4.6's kv-aware strategy literally:
// requests whose estimated prompt length is below Threshold, and every
// request when no oracle is configured, never consult the oracle at all and
// are routed round-robin (round-robin is "good enough" for tiny prompts, and
// skipping the RPC saves latency on the hot path); everything else asks
// the oracle for a preferred url and accepts it only if that url is still
// in the filtered set and its current queue length is at or below
// Threshold. Any other outcome (oracle error, no preference, stale preference,
// overloaded preference) falls back to the session-sticky hash ring so
// repeat requests without a live cache-locality signal still land
// consistently rather than scattering randomly.
type KVAware struct {
	Oracle    Oracle
	Threshold float64

	sessionSticky *SessionSticky
	roundRobin    *RoundRobin
}

// NewKVAware builds a KV-aware strategy against the given oracle.
func NewKVAware(oracle Oracle, threshold float64) *KVAware {
	return &KVAware{Oracle: oracle, Threshold: threshold, sessionSticky: NewSessionSticky(), roundRobin: NewRoundRobin()}
}

func (k *KVAware) Name() string { return "kv_aware" }

func (k *KVAware) Route(req Request, rc Context) (string, error) {
	endpoints, err := filterForModel(rc.Endpoints, req.Model)
	if err != nil {
		return "", err
	}

	if k.Oracle == nil || float64(req.PromptTokens) < k.Threshold {
		return k.roundRobin.Route(req, rc)
	}

	preferred, ok, err := k.Oracle.Preferred(rc.ctxOrBackground(), req)
	if err != nil || !ok {
		return k.sessionSticky.Route(req, rc)
	}
	if !inSet(endpoints, preferred) {
		return k.sessionSticky.Route(req, rc)
	}
	if rc.EngineStats != nil {
		if st, known := rc.EngineStats(preferred); known && float64(st.QueueLen) <= k.Threshold {
			return preferred, nil
		}
	}
	return k.sessionSticky.Route(req, rc)
}

func inSet(endpoints []domain.Endpoint, url string) bool {
	for _, e := range endpoints {
		if e.URL == url {
			return true
		}
	}
	return false
}

var _ Strategy = (*KVAware)(nil)
