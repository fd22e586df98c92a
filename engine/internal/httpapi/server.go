// Package httpapi wires spec component C7/C8's HTTP surface onto a chi
// router: the OpenAI-compatible inference paths proxy through dispatch,
// the agent-to-agent mailbox paths talk to messages.Manager directly, and
// the operational paths (health, metrics, reconfigure) expose the rest of
// the router's internals for operators. Route registration follows the
// teacher's cmd-level router assembly: one constructor returns a ready
// http.Handler, with every dependency injected rather than looked up
// globally.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vllm-router/core/engine/internal/dispatch"
	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/messages"
	"github.com/vllm-router/core/engine/internal/registry"
	"github.com/vllm-router/core/engine/internal/workflow"
)

// Reconfigurer is implemented by the C8 reconfig manager. Kept as an
// interface here so httpapi never imports reconfig directly - reconfig
// imports discovery and registry already, and httpapi only needs this one
// method.
type Reconfigurer interface {
	Reconfigure(config []byte) error
}

// defaultLongPollTimeout bounds GET .../messages when the caller doesn't
// supply a ?timeout= query parameter.
const defaultLongPollTimeout = 30 * time.Second

// maxLongPollTimeout is the hard ceiling regardless of what a caller asks
// for, so a misbehaving client can't pin a handler goroutine indefinitely.
const maxLongPollTimeout = 2 * time.Minute

// Server bundles every handler dependency.
type Server struct {
	Dispatcher   *dispatch.Dispatcher
	Registry     *registry.Registry
	Workflows    *workflow.Manager
	Messages     *messages.Manager
	MetricsHTTP  http.Handler // typically metrics.PrometheusProvider.Handler(); nil disables /metrics
	Reconfig     Reconfigurer // nil disables POST /reconfigure
	Log          *zap.Logger
	Clock        domain.Clock
	AllowOrigins []string
}

// Router builds the complete chi.Mux for this server.
func (s *Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Clock == nil {
		s.Clock = domain.RealClock{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(zapRequestLogger(s.Log))
	r.Use(middleware.Recoverer)

	if len(s.AllowOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.AllowOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleModels)

	if s.MetricsHTTP != nil {
		r.Handle("/metrics", s.MetricsHTTP)
	}
	r.Post("/reconfigure", s.handleReconfigure)

	r.Get("/v1/routing/strategy", s.handleGetStrategy)
	r.Post("/v1/routing/strategy", s.handleSetStrategy)

	r.Get("/v1/workflows", s.handleListWorkflows)
	r.Get("/v1/workflows/{workflowID}/status", s.handleWorkflowStatus)
	r.Post("/v1/workflows/{workflowID}/messages", s.handlePostMessage)
	r.Get("/v1/workflows/{workflowID}/agents/{agentID}/messages", s.handlePollMessages)

	// OpenAI-compatible inference surface, plus a generic passthrough for
	// any other /v1/* path (e.g. future endpoints an engine adds).
	r.Post("/v1/completions", s.Dispatcher.ServeProxy)
	r.Post("/v1/chat/completions", s.Dispatcher.ServeProxy)
	r.Post("/v1/audio/transcriptions", s.Dispatcher.ServeProxy)
	r.Post("/v1/embeddings", s.Dispatcher.ServeProxy)
	r.Post("/v1/*", s.Dispatcher.ServeProxy)

	return r
}

func zapRequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
