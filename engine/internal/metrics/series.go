package metrics

import "time"

// Series holds every stable metric series spec section 4.9 names, built
// once against whichever Provider backend is configured. Series names use
// the literal strings the spec documents so dashboards built against them
// keep working regardless of backend.
type Series struct {
	QueueDepth           Gauge     // vllm:num_requests_waiting{url}
	IncomingRequestsTotal Counter  // vllm:num_incoming_requests_total{url}
	WorkflowRequestsTotal Counter  // vllm_workflow_requests_total{workflow_id}
	WorkflowCacheHitRate  Gauge    // vllm_workflow_cache_hit_rate{workflow_id}
	AgentQueueSize        Gauge    // vllm_agent_message_queue_size{workflow_id,agent_id}
	RequestDuration       Histogram // vllm_request_duration_seconds{url}
	TimeToFirstToken      Histogram // vllm_time_to_first_token_seconds{url}
}

// NewSeries registers every instrument against provider.
func NewSeries(provider Provider) *Series {
	return &Series{
		QueueDepth: provider.NewGauge(CommonOpts{
			Name: "vllm:num_requests_waiting", Help: "Number of requests waiting in an engine's queue.", Labels: []string{"url"},
		}),
		IncomingRequestsTotal: provider.NewCounter(CommonOpts{
			Name: "vllm:num_incoming_requests_total", Help: "Total requests routed to an endpoint.", Labels: []string{"url"},
		}),
		WorkflowRequestsTotal: provider.NewCounter(CommonOpts{
			Name: "vllm_workflow_requests_total", Help: "Total requests observed within a workflow.", Labels: []string{"workflow_id"},
		}),
		WorkflowCacheHitRate: provider.NewGauge(CommonOpts{
			Name: "vllm_workflow_cache_hit_rate", Help: "Fraction of a workflow's requests that hit a warm prefix cache.", Labels: []string{"workflow_id"},
		}),
		AgentQueueSize: provider.NewGauge(CommonOpts{
			Name: "vllm_agent_message_queue_size", Help: "Current A2A mailbox size for one workflow/agent pair.", Labels: []string{"workflow_id", "agent_id"},
		}),
		RequestDuration: provider.NewHistogram(HistogramOpts{
			CommonOpts: CommonOpts{Name: "vllm_request_duration_seconds", Help: "End-to-end request duration by endpoint.", Labels: []string{"url"}},
			Buckets:    []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		TimeToFirstToken: provider.NewHistogram(HistogramOpts{
			CommonOpts: CommonOpts{Name: "vllm_time_to_first_token_seconds", Help: "Time to first streamed token by endpoint.", Labels: []string{"url"}},
			Buckets:    []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// ObserveRequest records the duration series for one completed request.
func (s *Series) ObserveRequest(url string, d time.Duration) {
	s.RequestDuration.Observe(d.Seconds(), url)
}

// ObserveTTFT records the time-to-first-token series for one request.
func (s *Series) ObserveTTFT(url string, d time.Duration) {
	s.TimeToFirstToken.Observe(d.Seconds(), url)
}
