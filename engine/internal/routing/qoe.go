package routing

import "time"

// QoE score weights, named to match the weighted formula spec section 4.6
// describes: score = alpha*ttft + beta*in_flight + gamma*stddev, lower is
// better (it is a cost, not a reward).
const (
	qoeAlphaTTFT    = 0.6
	qoeBetaInFlight = 0.3
	qoeGammaStdDev  = 0.1

	// priorityOverride is the value of x-request-priority (carried on
	// Request.Priority) that bypasses the weighted formula entirely in
	// favor of pure lowest-queue-length selection.
	priorityOverride = 1
)

// QoECentric scores every candidate endpoint by a weighted blend of recent
// time-to-first-token, in-flight request count, and completion-time
// variability, picking the lowest cost. Endpoints with no stats yet score
// zero cost (maximally attractive) rather than being excluded, so a freshly
// registered endpoint gets an exploration chance instead of starving until
// its first scrape. A request carrying priority 1 (highest) ignores the
// weighted formula and picks purely by queue length.
type QoECentric struct{}

// NewQoECentric builds a QoE-centric strategy.
func NewQoECentric() *QoECentric { return &QoECentric{} }

func (q *QoECentric) Name() string { return "qoe_centric" }

func (q *QoECentric) Route(req Request, rc Context) (string, error) {
	endpoints, err := filterForModel(rc.Endpoints, req.Model)
	if err != nil {
		return "", err
	}
	urls := sortedURLs(endpoints)

	scoreFn := q.cost
	if req.Priority == priorityOverride {
		scoreFn = q.queueLen
	}

	var best string
	bestScore := 0.0
	haveBest := false
	for _, url := range urls {
		score := scoreFn(url, rc)
		if !haveBest || score < bestScore || (score == bestScore && url < best) {
			best, bestScore, haveBest = url, score, true
		}
	}
	return best, nil
}

func (q *QoECentric) cost(url string, rc Context) float64 {
	if rc.RequestStats == nil {
		return 0
	}
	snap := rc.RequestStats(url)
	if len(snap.TTFTSamples) == 0 && snap.InFlight == 0 {
		return 0 // unknown endpoint: exploration bias
	}
	ttft := meanDuration(snap.TTFTSamples).Seconds()
	return qoeAlphaTTFT*ttft + qoeBetaInFlight*float64(snap.InFlight) + qoeGammaStdDev*snap.StdDevCompletionTime.Seconds()
}

func (q *QoECentric) queueLen(url string, rc Context) float64 {
	if rc.EngineStats == nil {
		return 0
	}
	st, ok := rc.EngineStats(url)
	if !ok || !st.Known {
		return 0
	}
	return float64(st.QueueLen)
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

var _ Strategy = (*QoECentric)(nil)
