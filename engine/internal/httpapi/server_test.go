package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-router/core/engine/internal/dispatch"
	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/messages"
	"github.com/vllm-router/core/engine/internal/metrics"
	"github.com/vllm-router/core/engine/internal/registry"
	"github.com/vllm-router/core/engine/internal/routing"
	"github.com/vllm-router/core/engine/internal/stats"
	"github.com/vllm-router/core/engine/internal/workflow"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type stubReconfigurer struct {
	called     bool
	lastConfig []byte
	err        error
}

func (s *stubReconfigurer) Reconfigure(config []byte) error {
	s.called = true
	s.lastConfig = config
	return s.err
}

func newTestServer(t *testing.T, upstream string) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	if upstream != "" {
		reg.Replace([]domain.Endpoint{{URL: upstream, ModelNames: map[string]struct{}{"llama": {}}, AddedAt: time.Now()}})
	}

	clock := &fakeClock{now: time.Now()}
	engineStats := stats.NewEngineStatsStore()
	requestStats := stats.NewRequestStatsStore(time.Minute, clock)
	workflows := workflow.New(workflow.Defaults(), clock)
	t.Cleanup(workflows.Close)
	msgs := messages.New(messages.Defaults(), clock)
	t.Cleanup(msgs.Close)

	series := metrics.NewSeries(metrics.NewNoopProvider())
	strategies := routing.Builders(nil, 0.5, 1)
	d := dispatch.New(reg, engineStats, requestStats, workflows, series, nil, clock, strategies, routing.StrategyRoundRobin, 5*time.Second)

	return &Server{
		Dispatcher: d,
		Registry:   reg,
		Workflows:  workflows,
		Messages:   msgs,
		Clock:      clock,
	}, reg
}

func TestHealthReportsEndpointCount(t *testing.T) {
	srv, _ := newTestServer(t, "http://engine-1:8000")
	r := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"endpoint_count":1`)
}

func TestModelsListsRegisteredModels(t *testing.T) {
	srv, _ := newTestServer(t, "http://engine-1:8000")
	r := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "llama")
}

func TestReconfigureReturnsNotImplementedWhenUnwired(t *testing.T) {
	srv, _ := newTestServer(t, "")
	r := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/reconfigure", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestReconfigureDelegatesToReconfigurer(t *testing.T) {
	srv, _ := newTestServer(t, "")
	stub := &stubReconfigurer{}
	srv.Reconfig = stub
	r := srv.Router()

	body := `{"routing_logic":"roundrobin"}`
	req := httptest.NewRequest(http.MethodPost, "/reconfigure", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, stub.called)
	assert.Equal(t, body, string(stub.lastConfig))
}

func TestReconfigureSurfacesReconfigurerError(t *testing.T) {
	srv, _ := newTestServer(t, "")
	stub := &stubReconfigurer{err: assert.AnError}
	srv.Reconfig = stub
	r := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/reconfigure", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutingStrategyGetAndSet(t *testing.T) {
	srv, _ := newTestServer(t, "")
	r := srv.Router()

	getReq := httptest.NewRequest(http.MethodGet, "/v1/routing/strategy", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	assert.Contains(t, getRec.Body.String(), routing.StrategyRoundRobin)

	setReq := httptest.NewRequest(http.MethodPost, "/v1/routing/strategy", bytes.NewBufferString(`{"strategy":"least_connections"}`))
	setRec := httptest.NewRecorder()
	r.ServeHTTP(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)
	assert.Equal(t, routing.StrategyLeastConnections, srv.Dispatcher.CurrentStrategyName())
}

func TestRoutingStrategyRejectsUnknownName(t *testing.T) {
	srv, _ := newTestServer(t, "")
	r := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/routing/strategy", bytes.NewBufferString(`{"strategy":"nope"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageThenPollReturnsIt(t *testing.T) {
	srv, _ := newTestServer(t, "")
	r := srv.Router()

	postReq := httptest.NewRequest(http.MethodPost, "/v1/workflows/wf-1/messages", bytes.NewBufferString(`{"from_agent":"planner","to_agent":"worker","body":{"task":"go"}}`))
	postRec := httptest.NewRecorder()
	r.ServeHTTP(postRec, postReq)
	require.Equal(t, http.StatusAccepted, postRec.Code)

	pollReq := httptest.NewRequest(http.MethodGet, "/v1/workflows/wf-1/agents/worker/messages?timeout=1", nil)
	pollRec := httptest.NewRecorder()
	r.ServeHTTP(pollRec, pollReq)
	require.Equal(t, http.StatusOK, pollRec.Code)
	assert.Contains(t, pollRec.Body.String(), `"task":"go"`)
}

func TestPollMessagesReturnsNoContentOnTimeout(t *testing.T) {
	srv, _ := newTestServer(t, "")
	r := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows/wf-empty/agents/worker/messages?timeout=1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWorkflowStatusReportsBinding(t *testing.T) {
	srv, _ := newTestServer(t, "")
	srv.Workflows.AssignIfAbsent("wf-1", "http://engine-1:8000", nil)

	r := srv.Router()
	req := httptest.NewRequest(http.MethodGet, "/v1/workflows/wf-1/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://engine-1:8000")
}

func TestWorkflowStatusNotFoundForUnknownWorkflow(t *testing.T) {
	srv, _ := newTestServer(t, "")
	r := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows/missing/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
