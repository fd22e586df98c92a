package routing

// Names of the nine strategies this package provides. These are internal
// names: the routing_logic config values are translated onto them by the
// reconfig package's alias table.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyRandom           = "random"
	StrategySessionSticky    = "session_sticky"
	StrategyLeastConnections = "least_connections"
	StrategyKVAware          = "kv_aware"
	StrategyWorkflowAware    = "workflow_aware"
	StrategyQoECentric       = "qoe_centric"
	StrategyDisaggregated    = "disaggregated"
	StrategyTimeTracking     = "time_tracking"
)

// Builders returns a fresh instance of every built-in strategy, keyed by
// name. oracle may be nil if no KV-cache locality service is configured;
// kv_aware and workflow_aware (which wraps it) then always fall through to
// round-robin.
func Builders(oracle Oracle, kvThreshold float64, randomSeed int64) map[string]Strategy {
	kv := NewKVAware(oracle, kvThreshold)
	return map[string]Strategy{
		StrategyRoundRobin:       NewRoundRobin(),
		StrategyRandom:           NewRandom(randomSeed),
		StrategySessionSticky:    NewSessionSticky(),
		StrategyLeastConnections: NewLeastConnections(),
		StrategyKVAware:          kv,
		StrategyWorkflowAware:    NewWorkflowAware(kv),
		StrategyQoECentric:       NewQoECentric(),
		StrategyDisaggregated:    NewDisaggregated(),
		StrategyTimeTracking:     NewTimeTracking(),
	}
}
