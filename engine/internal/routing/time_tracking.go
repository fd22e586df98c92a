package routing

// Time-tracking score weights mirror QoE-centric's shape but over the
// size-100 rolling completion window (spec section 4.6) instead of an EWMA:
// score = alpha*mean_completion_time + beta*in_flight + gamma*stddev.
const (
	timeTrackingAlphaMean   = 0.6
	timeTrackingBetaFlight  = 0.3
	timeTrackingGammaStdDev = 0.1
)

// TimeTracking scores endpoints by the mean of their rolling window of the
// last 100 completion durations, current in-flight count, and completion
// time variability. Endpoints with no completions yet score zero, giving
// them an exploration chance ahead of endpoints with a proven track record.
type TimeTracking struct{}

// NewTimeTracking builds a time-tracking strategy.
func NewTimeTracking() *TimeTracking { return &TimeTracking{} }

func (t *TimeTracking) Name() string { return "time_tracking" }

func (t *TimeTracking) Route(req Request, rc Context) (string, error) {
	endpoints, err := filterForModel(rc.Endpoints, req.Model)
	if err != nil {
		return "", err
	}
	urls := sortedURLs(endpoints)

	var best string
	bestScore := 0.0
	haveBest := false
	for _, url := range urls {
		score := t.score(url, rc)
		if !haveBest || score < bestScore || (score == bestScore && url < best) {
			best, bestScore, haveBest = url, score, true
		}
	}
	return best, nil
}

func (t *TimeTracking) score(url string, rc Context) float64 {
	if rc.RequestStats == nil {
		return 0
	}
	snap := rc.RequestStats(url)
	if len(snap.RollingCompletionWindow) == 0 && snap.InFlight == 0 {
		return 0
	}
	var sum float64
	for _, d := range snap.RollingCompletionWindow {
		sum += float64(d)
	}
	mean := 0.0
	if len(snap.RollingCompletionWindow) > 0 {
		mean = sum / float64(len(snap.RollingCompletionWindow))
	}
	return timeTrackingAlphaMean*mean + timeTrackingBetaFlight*float64(snap.InFlight) + timeTrackingGammaStdDev*float64(snap.StdDevCompletionTime)
}

var _ Strategy = (*TimeTracking)(nil)
