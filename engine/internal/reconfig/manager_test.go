package reconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-router/core/engine/internal/dispatch"
	"github.com/vllm-router/core/engine/internal/discovery"
	"github.com/vllm-router/core/engine/internal/metrics"
	"github.com/vllm-router/core/engine/internal/registry"
	"github.com/vllm-router/core/engine/internal/routing"
	"github.com/vllm-router/core/engine/internal/stats"
	"github.com/vllm-router/core/engine/internal/workflow"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, fileSource *discovery.FileSource) (*Manager, *registry.Registry, *dispatch.Dispatcher) {
	t.Helper()
	reg := registry.New()
	clock := &fakeClock{now: time.Now()}
	engineStats := stats.NewEngineStatsStore()
	requestStats := stats.NewRequestStatsStore(time.Minute, clock)
	workflows := workflow.New(workflow.Defaults(), clock)
	t.Cleanup(workflows.Close)
	series := metrics.NewSeries(metrics.NewNoopProvider())
	strategies := routing.Builders(nil, 0.5, 1)
	d := dispatch.New(reg, engineStats, requestStats, workflows, series, nil, clock, strategies, routing.StrategyRoundRobin, 5*time.Second)

	return New(reg, d, fileSource, nil), reg, d
}

func TestReconfigureRejectsUnknownServiceDiscovery(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	err := m.Reconfigure([]byte(`{"service_discovery":"magic","routing_logic":"roundrobin"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ConfigInvalid")
}

func TestReconfigureRejectsUnknownRoutingLogic(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	err := m.Reconfigure([]byte(`{"service_discovery":"static","routing_logic":"not-a-strategy"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ConfigInvalid")
}

func TestReconfigureAppliesStaticBackendsAndStrategy(t *testing.T) {
	m, reg, d := newTestManager(t, nil)

	cfg := `{"service_discovery":"static","routing_logic":"time_tracking","static_backends":"http://a:8000,http://b:8000","static_models":"llama,llama"}`
	err := m.Reconfigure([]byte(cfg))
	require.NoError(t, err)

	snap := reg.List()
	require.Len(t, snap.Endpoints, 2)
	assert.Equal(t, "http://a:8000", snap.Endpoints[0].URL)
	assert.Equal(t, routing.StrategyTimeTracking, d.CurrentStrategyName())
}

func TestReconfigureTranslatesRoutingLogicAliases(t *testing.T) {
	m, _, d := newTestManager(t, nil)

	err := m.Reconfigure([]byte(`{"service_discovery":"static","routing_logic":"prefixaware","static_backends":"http://a:8000","static_models":"llama"}`))
	require.NoError(t, err)
	assert.Equal(t, routing.StrategySessionSticky, d.CurrentStrategyName())

	err = m.Reconfigure([]byte(`{"service_discovery":"static","routing_logic":"disaggregated_qoe","static_backends":"http://a:8000","static_models":"llama"}`))
	require.NoError(t, err)
	assert.Equal(t, routing.StrategyDisaggregated, d.CurrentStrategyName())
}

func TestReconfigureRejectsDynamicWithoutConfiguredFileSource(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	err := m.Reconfigure([]byte(`{"service_discovery":"dynamic","routing_logic":"roundrobin"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ConfigInvalid")
}

func TestReconfigureTriggersConfiguredFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"endpoints":[]}`), 0o644))

	fs := discovery.NewFileSource(path, nil)
	m, _, _ := newTestManager(t, fs)

	err := m.Reconfigure([]byte(`{"service_discovery":"dynamic","routing_logic":"roundrobin"}`))
	require.NoError(t, err)
}

func TestReconfigureRetainsCurrentConfigAfterSuccess(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	cfg := `{"service_discovery":"static","routing_logic":"roundrobin","static_backends":"http://a:8000","static_models":"llama","session_key":"x-user-id"}`
	require.NoError(t, m.Reconfigure([]byte(cfg)))

	assert.Equal(t, "x-user-id", m.Current().SessionKey)
}

func TestReconfigureLeavesPreviousStrategyOnFailure(t *testing.T) {
	m, _, d := newTestManager(t, nil)
	require.NoError(t, m.Reconfigure([]byte(`{"service_discovery":"static","routing_logic":"time_tracking","static_backends":"http://a:8000","static_models":"llama"}`)))

	err := m.Reconfigure([]byte(`{"service_discovery":"dynamic","routing_logic":"roundrobin"}`))
	require.Error(t, err)
	assert.Equal(t, routing.StrategyTimeTracking, d.CurrentStrategyName(), "a failed reconfigure must not change the active strategy")
}
