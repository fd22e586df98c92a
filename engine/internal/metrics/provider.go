// Package metrics implements spec component C9: a small Provider
// abstraction in the teacher's style (engine/internal/telemetry/metrics),
// backed by either Prometheus or OpenTelemetry, plus the stable series
// names spec section 4.9 requires regardless of backend.
package metrics

import "context"

// Provider is the minimal metrics contract the router's internal
// subsystems depend on. Only the facade constructs a concrete backend;
// every other subsystem sees Provider (or the Series built from it).
type Provider interface {
	NewCounter(opts CommonOpts) Counter
	NewGauge(opts CommonOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	Health(ctx context.Context) error
}

// Counter, Gauge, and Histogram are label-parameterized so a single
// instrument (e.g. "requests_total") can be declared once and observed per
// endpoint/workflow/agent without the caller managing a map of child
// instruments itself.
type Counter interface{ Inc(delta float64, labelValues ...string) }
type Gauge interface {
	Set(v float64, labelValues ...string)
	Add(delta float64, labelValues ...string)
}
type Histogram interface{ Observe(v float64, labelValues ...string) }

// CommonOpts names and labels an instrument. FQName is computed by each
// backend from Namespace/Subsystem/Name; callers needing an exact stable
// name (spec section 4.9) set Namespace/Subsystem to "" and Name to the
// full string instead.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

// HistogramOpts adds explicit bucket boundaries to CommonOpts.
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}

// NewNoopProvider returns a Provider that discards every observation,
// for tests and for routers started with metrics disabled.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CommonOpts) Counter        { return noopCounter{} }
func (noopProvider) NewGauge(CommonOpts) Gauge            { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) Health(context.Context) error         { return nil }

func (noopCounter) Inc(float64, ...string)   {}
func (noopGauge) Set(float64, ...string)     {}
func (noopGauge) Add(float64, ...string)     {}
func (noopHistogram) Observe(float64, ...string) {}
