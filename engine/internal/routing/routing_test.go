package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/stats"
	"github.com/vllm-router/core/engine/internal/workflow"
)

func ep(url, model string, tags ...string) domain.Endpoint {
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}
	return domain.Endpoint{URL: url, ModelLabel: model, ModelNames: map[string]struct{}{model: {}}, Tags: tagSet}
}

func noStats(string) (stats.EngineStats, bool)           { return stats.EngineStats{}, false }
func emptyReqStats(string) stats.RequestStatsSnapshot     { return stats.RequestStatsSnapshot{} }

func TestFilterForModelNoEndpoints(t *testing.T) {
	_, err := filterForModel(nil, "llama")
	require.Error(t, err)
	var re *domain.RoutingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.ErrNoEndpoint, re.Kind)
}

func TestFilterForModelNoBackend(t *testing.T) {
	endpoints := []domain.Endpoint{ep("http://a", "mistral")}
	_, err := filterForModel(endpoints, "llama")
	require.Error(t, err)
	var re *domain.RoutingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.ErrNoBackendForModel, re.Kind)
}

func TestRoundRobinCyclesDeterministically(t *testing.T) {
	rr := NewRoundRobin()
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}, EngineStats: noStats, RequestStats: emptyReqStats}
	req := Request{Model: "llama"}

	first, err := rr.Route(req, rc)
	require.NoError(t, err)
	second, err := rr.Route(req, rc)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	third, err := rr.Route(req, rc)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestRoundRobinResetsCursorOnSetChange(t *testing.T) {
	rr := NewRoundRobin()
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}}
	req := Request{Model: "llama"}
	first, _ := rr.Route(req, rc)

	rc2 := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama"), ep("http://c", "llama")}}
	afterChange, err := rr.Route(req, rc2)
	require.NoError(t, err)
	assert.Equal(t, first, afterChange, "cursor must reset to the start of the new set")
}

func TestSessionStickyFallsBackWithoutSessionKey(t *testing.T) {
	s := NewSessionSticky()
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}}
	url, err := s.Route(Request{Model: "llama"}, rc)
	require.NoError(t, err)
	assert.Contains(t, []string{"http://a", "http://b"}, url)
}

func TestSessionStickyIsStableForSameKey(t *testing.T) {
	s := NewSessionSticky()
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama"), ep("http://c", "llama")}}
	req := Request{Model: "llama", SessionKey: "session-42"}

	first, err := s.Route(req, rc)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Route(req, rc)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestKVAwareFallsBackWhenOracleUnavailable(t *testing.T) {
	k := NewKVAware(&failingOracle{}, 0)
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}, EngineStats: noStats}
	url, err := k.Route(Request{Model: "llama", PromptTokens: 100}, rc)
	require.NoError(t, err)
	assert.Contains(t, []string{"http://a", "http://b"}, url)
}

func TestKVAwareBypassesOracleBelowTokenThreshold(t *testing.T) {
	oracle := &spyOracle{preferred: "http://a"}
	k := NewKVAware(oracle, 2000)
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}}
	_, err := k.Route(Request{Model: "llama", PromptTokens: 10}, rc)
	require.NoError(t, err)
	assert.False(t, oracle.called, "oracle must not be consulted below the prompt-token threshold")
}

func TestKVAwarePicksPreferredEndpointWhenQueueIsLow(t *testing.T) {
	oracle := &spyOracle{preferred: "http://a"}
	k := NewKVAware(oracle, 5)
	engineStats := func(url string) (stats.EngineStats, bool) {
		if url == "http://a" {
			return stats.EngineStats{QueueLen: 2, Known: true}, true
		}
		return stats.EngineStats{}, false
	}
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}, EngineStats: engineStats}
	url, err := k.Route(Request{Model: "llama", PromptTokens: 5000}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://a", url)
}

func TestKVAwareFallsBackWhenPreferredEndpointIsOverloaded(t *testing.T) {
	oracle := &spyOracle{preferred: "http://a"}
	k := NewKVAware(oracle, 5)
	engineStats := func(url string) (stats.EngineStats, bool) {
		if url == "http://a" {
			return stats.EngineStats{QueueLen: 100, Known: true}, true
		}
		return stats.EngineStats{}, false
	}
	rc := Context{Endpoints: []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}, EngineStats: engineStats}
	url, err := k.Route(Request{Model: "llama", PromptTokens: 5000}, rc)
	require.NoError(t, err)
	assert.Contains(t, []string{"http://a", "http://b"}, url)
}

func TestQoECentricPicksLowestCost(t *testing.T) {
	q := NewQoECentric()
	endpoints := []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}
	lookup := func(url string) stats.RequestStatsSnapshot {
		if url == "http://a" {
			return stats.RequestStatsSnapshot{TTFTSamples: []time.Duration{10 * time.Millisecond}, InFlight: 1}
		}
		return stats.RequestStatsSnapshot{TTFTSamples: []time.Duration{500 * time.Millisecond}, InFlight: 1}
	}
	rc := Context{Endpoints: endpoints, RequestStats: lookup, EngineStats: noStats}
	url, err := q.Route(Request{Model: "llama"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://a", url)
}

func TestQoECentricPriorityOneOverridesToQueueLength(t *testing.T) {
	q := NewQoECentric()
	endpoints := []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}
	// a has the lower cost formula but a longer queue; priority 1 must still pick b.
	reqLookup := func(url string) stats.RequestStatsSnapshot {
		if url == "http://a" {
			return stats.RequestStatsSnapshot{TTFTSamples: []time.Duration{1 * time.Millisecond}}
		}
		return stats.RequestStatsSnapshot{TTFTSamples: []time.Duration{900 * time.Millisecond}}
	}
	engineLookup := func(url string) (stats.EngineStats, bool) {
		if url == "http://a" {
			return stats.EngineStats{QueueLen: 50, Known: true}, true
		}
		return stats.EngineStats{QueueLen: 1, Known: true}, true
	}
	rc := Context{Endpoints: endpoints, RequestStats: reqLookup, EngineStats: engineLookup}

	url, err := q.Route(Request{Model: "llama", Priority: 1}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://b", url, "priority 1 must bypass the cost formula and pick the shortest queue")
}

func TestDisaggregatedScoresFullPrefillFormula(t *testing.T) {
	d := NewDisaggregated()
	endpoints := []domain.Endpoint{ep("http://p1", "llama", "prefill"), ep("http://p2", "llama", "prefill")}
	reqLookup := func(url string) stats.RequestStatsSnapshot {
		if url == "http://p1" {
			return stats.RequestStatsSnapshot{TTFTSamples: []time.Duration{10 * time.Millisecond}}
		}
		return stats.RequestStatsSnapshot{TTFTSamples: []time.Duration{10 * time.Millisecond}}
	}
	engineLookup := func(url string) (stats.EngineStats, bool) {
		if url == "http://p1" {
			return stats.EngineStats{QueueLen: 0, GPUCacheHitRate: 0.9, Known: true}, true
		}
		return stats.EngineStats{QueueLen: 0, GPUCacheHitRate: 0.1, Known: true}, true
	}
	rc := Context{Endpoints: endpoints, RequestStats: reqLookup, EngineStats: engineLookup}

	url, err := d.Route(Request{Model: "llama", Phase: domain.PhasePrefill}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://p1", url, "higher cache hit rate must win when ttft and queue_len tie")
}

func TestDisaggregatedScoresFullDecodeFormula(t *testing.T) {
	d := NewDisaggregated()
	endpoints := []domain.Endpoint{ep("http://d1", "llama", "decode"), ep("http://d2", "llama", "decode")}
	reqLookup := func(url string) stats.RequestStatsSnapshot {
		return stats.RequestStatsSnapshot{ITLSamples: []time.Duration{5 * time.Millisecond}}
	}
	engineLookup := func(url string) (stats.EngineStats, bool) {
		if url == "http://d1" {
			return stats.EngineStats{QueueLen: 0, TokensPerSecond: 100, Known: true}, true
		}
		return stats.EngineStats{QueueLen: 0, TokensPerSecond: 10, Known: true}, true
	}
	rc := Context{Endpoints: endpoints, RequestStats: reqLookup, EngineStats: engineLookup}

	url, err := d.Route(Request{Model: "llama", Phase: domain.PhaseDecode}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://d1", url, "higher tokens_per_second must lower cost via the 1/tps term")
}

func TestTimeTrackingUsesStdDevTerm(t *testing.T) {
	tt := NewTimeTracking()
	endpoints := []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}
	lookup := func(url string) stats.RequestStatsSnapshot {
		if url == "http://a" {
			return stats.RequestStatsSnapshot{RollingCompletionWindow: []time.Duration{100 * time.Millisecond}, StdDevCompletionTime: 0}
		}
		return stats.RequestStatsSnapshot{RollingCompletionWindow: []time.Duration{100 * time.Millisecond}, StdDevCompletionTime: 5 * time.Second}
	}
	rc := Context{Endpoints: endpoints, RequestStats: lookup}
	url, err := tt.Route(Request{Model: "llama"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://a", url, "equal means must be broken by lower completion-time variability")
}

func TestWorkflowAwareStickiesAfterFirstAssignment(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	wm := workflow.New(workflow.Config{TTL: time.Hour, SweepInterval: time.Hour, MaxWorkflows: 10}, clk)
	defer wm.Close()

	rr := NewRoundRobin()
	wa := NewWorkflowAware(rr)
	endpoints := []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}
	rc := Context{Endpoints: endpoints, Workflows: wm}
	req := Request{Model: "llama", WorkflowID: "wf-1"}

	first, err := wa.Route(req, rc)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := wa.Route(req, rc)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDisaggregatedPrefersTaggedEndpoints(t *testing.T) {
	d := NewDisaggregated()
	endpoints := []domain.Endpoint{ep("http://p1", "llama", "prefill"), ep("http://d1", "llama", "decode")}
	rc := Context{Endpoints: endpoints, EngineStats: noStats, RequestStats: emptyReqStats}

	url, err := d.Route(Request{Model: "llama", Phase: domain.PhasePrefill}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://p1", url)

	url, err = d.Route(Request{Model: "llama", Phase: domain.PhaseDecode}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://d1", url)
}

func TestTimeTrackingPrefersFasterEndpoint(t *testing.T) {
	tt := NewTimeTracking()
	endpoints := []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}
	lookup := func(url string) stats.RequestStatsSnapshot {
		if url == "http://a" {
			return stats.RequestStatsSnapshot{RollingCompletionWindow: []time.Duration{10 * time.Millisecond}}
		}
		return stats.RequestStatsSnapshot{RollingCompletionWindow: []time.Duration{500 * time.Millisecond}}
	}
	rc := Context{Endpoints: endpoints, RequestStats: lookup}
	url, err := tt.Route(Request{Model: "llama"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://a", url)
}

func TestLeastConnectionsPrefersIdleEndpoint(t *testing.T) {
	lc := NewLeastConnections()
	endpoints := []domain.Endpoint{ep("http://a", "llama"), ep("http://b", "llama")}
	lookup := func(url string) stats.RequestStatsSnapshot {
		if url == "http://a" {
			return stats.RequestStatsSnapshot{InFlight: 5}
		}
		return stats.RequestStatsSnapshot{InFlight: 0}
	}
	rc := Context{Endpoints: endpoints, RequestStats: lookup}
	url, err := lc.Route(Request{Model: "llama"}, rc)
	require.NoError(t, err)
	assert.Equal(t, "http://b", url)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

type failingOracle struct{}

func (failingOracle) Preferred(_ context.Context, _ Request) (string, bool, error) {
	return "", false, errors.New("oracle unavailable")
}

type spyOracle struct {
	preferred string
	called    bool
}

func (o *spyOracle) Preferred(_ context.Context, _ Request) (string, bool, error) {
	o.called = true
	return o.preferred, true, nil
}
