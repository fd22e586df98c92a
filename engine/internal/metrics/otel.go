package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProvider is the alternate metrics backend, used when the router is
// configured to export via an OTEL collector instead of being scraped
// directly. It stores its Gauge state locally (OTel's UpDownCounter only
// supports deltas) so Set still has normal gauge semantics to callers.
type OTelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

// NewOTelProvider builds an OTelProvider with a zero-config MeterProvider
// and no exporter attached; there is no option to supply a different
// MeterProvider.
func NewOTelProvider() *OTelProvider {
	mp := sdkmetric.NewMeterProvider()
	return &OTelProvider{mp: mp, meter: mp.Meter("vllm-router")}
}

func (p *OTelProvider) NewCounter(opts CommonOpts) Counter {
	inst, err := p.meter.Float64Counter(fqName(opts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{inst: inst, labels: opts.Labels}
}

func (p *OTelProvider) NewGauge(opts CommonOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(fqName(opts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{inst: inst, labels: opts.Labels, current: make(map[string]float64)}
}

func (p *OTelProvider) NewHistogram(opts HistogramOpts) Histogram {
	histOpts := []metric.Float64HistogramOption{metric.WithDescription(opts.Help)}
	if len(opts.Buckets) > 0 {
		histOpts = append(histOpts, metric.WithExplicitBucketBoundaries(opts.Buckets...))
	}
	inst, err := p.meter.Float64Histogram(fqName(opts.CommonOpts), histOpts...)
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{inst: inst, labels: opts.Labels}
}

func (p *OTelProvider) Health(ctx context.Context) error {
	return p.mp.ForceFlush(ctx)
}

func labelSet(keys, values []string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(keys))
	for i, k := range keys {
		if i < len(values) {
			kvs = append(kvs, attribute.String(k, values[i]))
		}
	}
	return attribute.NewSet(kvs...)
}

type otelCounter struct {
	inst   metric.Float64Counter
	labels []string
}

func (c *otelCounter) Inc(delta float64, labelValues ...string) {
	set := labelSet(c.labels, labelValues)
	c.inst.Add(context.Background(), delta, metric.WithAttributeSet(set))
}

type otelGauge struct {
	inst   metric.Float64UpDownCounter
	labels []string

	mu      sync.Mutex
	current map[string]float64
}

func (g *otelGauge) Set(v float64, labelValues ...string) {
	key := labelKey(labelValues)
	set := labelSet(g.labels, labelValues)
	g.mu.Lock()
	prev := g.current[key]
	g.current[key] = v
	g.mu.Unlock()
	g.inst.Add(context.Background(), v-prev, metric.WithAttributeSet(set))
}

func (g *otelGauge) Add(delta float64, labelValues ...string) {
	key := labelKey(labelValues)
	set := labelSet(g.labels, labelValues)
	g.mu.Lock()
	g.current[key] += delta
	g.mu.Unlock()
	g.inst.Add(context.Background(), delta, metric.WithAttributeSet(set))
}

func labelKey(values []string) string {
	key := ""
	for i, v := range values {
		if i > 0 {
			key += "\x00"
		}
		key += v
	}
	return key
}

type otelHistogram struct {
	inst   metric.Float64Histogram
	labels []string
}

func (h *otelHistogram) Observe(v float64, labelValues ...string) {
	set := labelSet(h.labels, labelValues)
	h.inst.Record(context.Background(), v, metric.WithAttributeSet(set))
}

var _ Provider = (*OTelProvider)(nil)
