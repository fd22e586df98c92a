package metrics

import (
	"context"
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusProvider implements Provider over a dedicated Prometheus
// registry, registering each instrument lazily on first use and reusing it
// by fully-qualified name thereafter.
type PrometheusProvider struct {
	reg *prom.Registry

	mu         sync.RWMutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec

	handler http.Handler
}

// NewPrometheusProvider builds a PrometheusProvider with its own registry
// (never the global default registry, so multiple routers in one process
// don't collide).
func NewPrometheusProvider() *PrometheusProvider {
	reg := prom.NewRegistry()
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
		handler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// Handler exposes the /metrics HTTP endpoint spec section 6 names.
func (p *PrometheusProvider) Handler() http.Handler { return p.handler }

func fqName(o CommonOpts) string {
	name := o.Name
	if o.Subsystem != "" {
		name = o.Subsystem + "_" + name
	}
	if o.Namespace != "" {
		name = o.Namespace + "_" + name
	}
	return name
}

func (p *PrometheusProvider) NewCounter(opts CommonOpts) Counter {
	name := fqName(opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prom.NewCounterVec(prom.CounterOpts{Name: name, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			if are, ok := err.(prom.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prom.CounterVec)
			} else {
				return noopCounter{}
			}
		}
		p.counters[name] = vec
	}
	return &promCounter{vec: vec}
}

func (p *PrometheusProvider) NewGauge(opts CommonOpts) Gauge {
	name := fqName(opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prom.NewGaugeVec(prom.GaugeOpts{Name: name, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			if are, ok := err.(prom.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prom.GaugeVec)
			} else {
				return noopGauge{}
			}
		}
		p.gauges[name] = vec
	}
	return &promGauge{vec: vec}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	name := fqName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.histograms[name]
	if !ok {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prom.DefBuckets
		}
		vec = prom.NewHistogramVec(prom.HistogramOpts{Name: name, Help: opts.Help, Buckets: buckets}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			if are, ok := err.(prom.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prom.HistogramVec)
			} else {
				return noopHistogram{}
			}
		}
		p.histograms[name] = vec
	}
	return &promHistogram{vec: vec}
}

func (p *PrometheusProvider) Health(context.Context) error {
	if _, err := p.reg.Gather(); err != nil {
		return err
	}
	return nil
}

type promCounter struct{ vec *prom.CounterVec }
type promGauge struct{ vec *prom.GaugeVec }
type promHistogram struct{ vec *prom.HistogramVec }

func (c *promCounter) Inc(delta float64, labelValues ...string) {
	c.vec.WithLabelValues(labelValues...).Add(delta)
}
func (g *promGauge) Set(v float64, labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Set(v)
}
func (g *promGauge) Add(delta float64, labelValues ...string) {
	g.vec.WithLabelValues(labelValues...).Add(delta)
}
func (h *promHistogram) Observe(v float64, labelValues ...string) {
	h.vec.WithLabelValues(labelValues...).Observe(v)
}

var _ Provider = (*PrometheusProvider)(nil)
