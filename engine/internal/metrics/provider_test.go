package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusProviderExposesStableSeriesNames(t *testing.T) {
	p := NewPrometheusProvider()
	series := NewSeries(p)
	series.QueueDepth.Set(3, "http://a")
	series.IncomingRequestsTotal.Inc(1, "http://a")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, "vllm:num_requests_waiting")
	assert.Contains(t, body, "vllm:num_incoming_requests_total")
}

func TestPrometheusProviderReusesInstrumentByName(t *testing.T) {
	p := NewPrometheusProvider()
	c1 := p.NewCounter(CommonOpts{Name: "vllm_test_total", Labels: []string{"url"}})
	c2 := p.NewCounter(CommonOpts{Name: "vllm_test_total", Labels: []string{"url"}})
	c1.Inc(1, "http://a")
	c2.Inc(1, "http://a")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), "vllm_test_total")
	assert.True(t, strings.Count(rec.Body.String(), `vllm_test_total{url="http://a"} 2`) == 1)
}

func TestNoopProviderDiscardsObservations(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CommonOpts{Name: "x"})
	g := p.NewGauge(CommonOpts{Name: "y"})
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "z"}})
	c.Inc(1)
	g.Set(1)
	g.Add(1)
	h.Observe(1)
	assert.NoError(t, p.Health(nil))
}
