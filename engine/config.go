// Package router is the public facade: one Config struct, one Router type
// built from it, Start/Stop/Snapshot. Every engine/internal/* package is
// wired together here and nowhere else outside this package, mirroring how
// the teacher's engine.Engine is the sole consumer of its engine/internal
// subpackages.
package router

import "time"

// Config is the facade's entire configuration surface. It is deliberately a
// plain struct with a Defaults() constructor rather than functional
// options, matching the teacher's engine.Config.
type Config struct {
	// HTTP server
	ListenAddr string

	// Service discovery (component C3). ServiceDiscovery selects the
	// variant; only the fields relevant to the selected variant are read.
	ServiceDiscovery string // "static" | "dynamic" | "cluster"

	StaticBackends   string // comma-separated urls
	StaticModels     string // comma-separated model labels, positional with StaticBackends
	StaticModelTypes string // comma-separated tags applied to every static endpoint
	StaticSeedFile   string // YAML seed list; takes precedence over StaticBackends when set

	DynamicConfigPath string // file watched when ServiceDiscovery == "dynamic"

	ClusterNamespace string
	ClusterSelector  string

	// Routing (component C6)
	RoutingLogic     string // one of the routing_logic enum values, see engine/internal/reconfig
	SessionKey       string // header used by session_sticky
	KVAwareThreshold float64
	RandomSeed       int64

	// Workflow bindings (component C4)
	WorkflowTTL           time.Duration
	MaxWorkflows          int
	WorkflowSweepInterval time.Duration
	BatchingPreference    float64

	// A2A messages (component C5)
	MaxMessageQueueSize  int
	MaxMessageSize       int
	MessageTTL           time.Duration
	MessageSweepInterval time.Duration

	// Stats aggregation (component C2)
	EngineStatsInterval time.Duration
	RequestStatsWindow  time.Duration

	// Dispatch (component C7)
	RequestTimeout time.Duration
	PrefillTag     string
	DecodingTag    string

	// Header names, overridable per spec section 6's reconfigure document
	PriorityHeader          string
	ExpectedOutputLenHeader string
	SLAHeader               string

	// Metrics (component C9)
	MetricsEnabled bool
	MetricsBackend string // "prometheus" | "otel"

	// AllowOrigins enables CORS on the HTTP surface when non-empty.
	AllowOrigins []string

	// LogLevel and LogJSON configure the structured logger.
	LogLevel string
	LogJSON  bool
}

// Defaults returns a Config with the spec's documented defaults: static
// discovery with no backends configured (callers must set StaticBackends
// or switch discovery variant before Start), round-robin routing, and
// Prometheus metrics enabled.
func Defaults() Config {
	return Config{
		ListenAddr:              ":8080",
		ServiceDiscovery:        "static",
		RoutingLogic:            "roundrobin",
		SessionKey:              "x-user-id",
		KVAwareThreshold:        2048,
		RandomSeed:              1,
		WorkflowTTL:             10 * time.Minute,
		MaxWorkflows:            100000,
		WorkflowSweepInterval:   time.Second,
		BatchingPreference:      0,
		MaxMessageQueueSize:     256,
		MaxMessageSize:          1 << 20,
		MessageTTL:              5 * time.Minute,
		MessageSweepInterval:    time.Second,
		EngineStatsInterval:     2 * time.Second,
		RequestStatsWindow:      60 * time.Second,
		RequestTimeout:          5 * time.Minute,
		PrefillTag:              "prefill",
		DecodingTag:             "decode",
		PriorityHeader:          "x-request-priority",
		ExpectedOutputLenHeader: "x-expected-output-tokens",
		SLAHeader:               "x-sla-target-ms",
		MetricsEnabled:          true,
		MetricsBackend:          "prometheus",
		LogLevel:                "info",
		LogJSON:                 true,
	}
}
