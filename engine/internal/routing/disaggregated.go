package routing

import (
	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/stats"
)

// prefillTag and decodeTag mark an endpoint's role in a disaggregated
// deployment, per spec section 4.6/P8: prefill engines build the KV cache,
// decode engines consume it. An endpoint may carry neither tag in a
// non-disaggregated deployment, in which case this strategy treats it as
// eligible for both phases.
const (
	prefillTag = "prefill"
	decodeTag  = "decode"
)

// Disaggregated classifies a request into prefill or decode phase (the
// caller sets req.Phase; the HTTP layer does this from request shape per
// spec P8) and scores only the tagged endpoints for that phase. Prefill
// selection favors low TTFT, low queue depth and a high cache hit rate;
// decode selection favors low ITL, low queue depth and high token
// throughput (see score).
type Disaggregated struct{}

// NewDisaggregated builds a disaggregated prefill/decode strategy.
func NewDisaggregated() *Disaggregated { return &Disaggregated{} }

func (d *Disaggregated) Name() string { return "disaggregated" }

func (d *Disaggregated) Route(req Request, rc Context) (string, error) {
	endpoints, err := filterForModel(rc.Endpoints, req.Model)
	if err != nil {
		return "", err
	}

	tag := prefillTag
	if req.Phase == domain.PhaseDecode {
		tag = decodeTag
	}
	candidates := taggedOrAll(endpoints, tag)
	urls := sortedURLs(candidates)
	if len(urls) == 0 {
		return "", domain.NewRoutingError(domain.ErrNoBackendForModel, "no "+tag+" backend serves model "+req.Model)
	}

	var best string
	bestScore := 0.0
	haveBest := false
	for _, url := range urls {
		score := d.score(tag, url, rc)
		if !haveBest || score < bestScore || (score == bestScore && url < best) {
			best, bestScore, haveBest = url, score, true
		}
	}
	return best, nil
}

// taggedOrAll returns the subset of endpoints carrying tag, or the full set
// when none carry it (an undifferentiated deployment with no role tags).
func taggedOrAll(endpoints []domain.Endpoint, tag string) []domain.Endpoint {
	tagged := make([]domain.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.HasTag(tag) {
			tagged = append(tagged, e)
		}
	}
	if len(tagged) == 0 {
		return endpoints
	}
	return tagged
}

// score implements spec section 4.6's two formulas: prefill endpoints are
// scored by ttft + queue_len + (1 - cache_hit_rate); decode endpoints by
// itl + queue_len + 1/tokens_per_second. An endpoint with no stats yet
// scores zero, the same exploration bias every other stats-driven strategy
// in this package applies.
func (d *Disaggregated) score(tag, url string, rc Context) float64 {
	var reqSnap stats.RequestStatsSnapshot
	haveReqStats := rc.RequestStats != nil
	if haveReqStats {
		reqSnap = rc.RequestStats(url)
	}
	engineSnap, haveEngineStats := stats.EngineStats{}, false
	if rc.EngineStats != nil {
		engineSnap, haveEngineStats = rc.EngineStats(url)
	}

	if tag == prefillTag {
		if !haveEngineStats || !engineSnap.Known {
			return 0
		}
		ttft := meanDuration(reqSnap.TTFTSamples).Seconds()
		return ttft + float64(engineSnap.QueueLen) + (1 - engineSnap.GPUCacheHitRate)
	}

	if !haveEngineStats || !engineSnap.Known {
		return 0
	}
	itl := meanDuration(reqSnap.ITLSamples).Seconds()
	throughputPenalty := 0.0
	if engineSnap.TokensPerSecond > 0 {
		throughputPenalty = 1 / engineSnap.TokensPerSecond
	}
	return itl + float64(engineSnap.QueueLen) + throughputPenalty
}

var _ Strategy = (*Disaggregated)(nil)
