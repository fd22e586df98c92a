package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/vllm-router/core/engine/internal/discovery"
	"github.com/vllm-router/core/engine/internal/dispatch"
	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/httpapi"
	"github.com/vllm-router/core/engine/internal/messages"
	"github.com/vllm-router/core/engine/internal/metrics"
	"github.com/vllm-router/core/engine/internal/reconfig"
	"github.com/vllm-router/core/engine/internal/registry"
	"github.com/vllm-router/core/engine/internal/routing"
	"github.com/vllm-router/core/engine/internal/stats"
	"github.com/vllm-router/core/engine/internal/telemetry"
	"github.com/vllm-router/core/engine/internal/workflow"
)

// Snapshot is a unified, JSON-friendly view of Router state, returned by
// Snapshot() and printed periodically by the CLI - the same role the
// teacher's engine.Snapshot plays for the crawler.
type Snapshot struct {
	StartedAt       time.Time     `json:"started_at"`
	Uptime          time.Duration `json:"uptime"`
	EndpointCount   int           `json:"endpoint_count"`
	WorkflowCount   int           `json:"workflow_count"`
	CurrentStrategy string        `json:"current_strategy"`
}

// Router composes every internal subsystem behind one facade, mirroring the
// teacher's Engine: build everything in New, start background loops in
// Start, tear them down in Stop.
type Router struct {
	cfg Config
	log *zap.Logger

	registry     *registry.Registry
	engineStats  *stats.EngineStatsStore
	requestStats *stats.RequestStatsStore
	workflows    *workflow.Manager
	messages     *messages.Manager
	series       *metrics.Series
	provider     metrics.Provider
	dispatcher   *dispatch.Dispatcher
	reconfig     *reconfig.Manager
	httpServer   *http.Server
	listenAddr   string // actual bound address, set once Start's listener is up (differs from cfg.ListenAddr when cfg uses port 0)

	fileSource *discovery.FileSource // non-nil only when ServiceDiscovery == "dynamic"

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Router from cfg without starting any network listeners or
// background loops; call Start to bring it up. New can fail only on a
// malformed logger configuration or an unrecognized routing_logic.
func New(cfg Config) (*Router, error) {
	log, err := telemetry.New(telemetry.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, Production: true})
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	strategyName, ok := reconfig.TranslateRoutingLogic(cfg.RoutingLogic)
	if !ok {
		return nil, fmt.Errorf("unknown routing_logic %q", cfg.RoutingLogic)
	}

	reg := registry.New()
	clock := domain.RealClock{}
	engineStats := stats.NewEngineStatsStore()
	requestStats := stats.NewRequestStatsStore(cfg.RequestStatsWindow, clock)
	reg.OnRemoval(func(removed []domain.Endpoint) {
		for _, e := range removed {
			engineStats.Remove(e.URL)
			requestStats.Remove(e.URL)
		}
	})

	workflowCfg := workflow.Defaults()
	workflowCfg.TTL = cfg.WorkflowTTL
	workflowCfg.MaxWorkflows = cfg.MaxWorkflows
	if cfg.WorkflowSweepInterval > 0 {
		workflowCfg.SweepInterval = cfg.WorkflowSweepInterval
	}
	workflows := workflow.New(workflowCfg, clock)
	reg.OnRemoval(workflows.OnEndpointRemoved)

	messagesCfg := messages.Defaults()
	messagesCfg.MaxQueueSize = cfg.MaxMessageQueueSize
	if cfg.MaxMessageSize > 0 {
		messagesCfg.MaxMessageSize = cfg.MaxMessageSize
	}
	if cfg.MessageTTL > 0 {
		messagesCfg.MessageTTL = cfg.MessageTTL
	}
	if cfg.MessageSweepInterval > 0 {
		messagesCfg.SweepInterval = cfg.MessageSweepInterval
	}
	msgs := messages.New(messagesCfg, clock)

	provider := selectMetricsProvider(cfg)
	series := metrics.NewSeries(provider)
	msgs.SetSeries(series)

	strategies := routing.Builders(nil, cfg.KVAwareThreshold, cfg.RandomSeed)
	d := dispatch.New(reg, engineStats, requestStats, workflows, series, log, clock, strategies, strategyName, cfg.RequestTimeout)

	var fileSource *discovery.FileSource
	if cfg.ServiceDiscovery == "dynamic" {
		fileSource = discovery.NewFileSource(cfg.DynamicConfigPath, log)
	}
	rm := reconfig.New(reg, d, fileSource, log)

	r := &Router{
		cfg:          cfg,
		log:          log,
		registry:     reg,
		engineStats:  engineStats,
		requestStats: requestStats,
		workflows:    workflows,
		messages:     msgs,
		series:       series,
		provider:     provider,
		dispatcher:   d,
		reconfig:     rm,
		fileSource:   fileSource,
	}
	return r, nil
}

// selectMetricsProvider mirrors the teacher's engine.selectMetricsProvider:
// pick a backend from Config, falling back to a no-op when metrics are
// disabled so every internal caller can depend on a non-nil Provider.
func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider()
	case "", "prometheus", "prom":
		return metrics.NewPrometheusProvider()
	default:
		return metrics.NewNoopProvider()
	}
}

// metricsHandler returns the HTTP handler for metrics exposition, or nil if
// the configured backend doesn't serve one (otel and noop don't).
func (r *Router) metricsHandler() http.Handler {
	if hp, ok := r.provider.(interface{ Handler() http.Handler }); ok {
		return hp.Handler()
	}
	return nil
}

// Start launches discovery, stats polling, and the HTTP listener. It
// returns once the listener is bound; ListenAndServe runs in the
// background, and a failure there is logged rather than returned, matching
// the teacher's pattern of surfacing fatal startup errors synchronously but
// treating post-bind failures as operational events.
func (r *Router) Start(ctx context.Context) error {
	r.startedAt = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	source, err := r.buildDiscoverySource()
	if err != nil {
		cancel()
		return fmt.Errorf("building discovery source: %w", err)
	}
	endpoints := source.Run(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for eps := range endpoints {
			r.registry.Replace(eps)
		}
	}()

	statsInterval := r.cfg.EngineStatsInterval
	if statsInterval <= 0 {
		statsInterval = Defaults().EngineStatsInterval
	}
	poller := stats.NewPoller(r.engineStats, stats.NewHTTPFetcher(nil), statsInterval, domain.RealClock{}, r.log, r.listEndpointURLs).SetSeries(r.series)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		poller.Run(ctx)
	}()

	srv := &httpapi.Server{
		Dispatcher:   r.dispatcher,
		Registry:     r.registry,
		Workflows:    r.workflows,
		Messages:     r.messages,
		MetricsHTTP:  r.metricsHandler(),
		Reconfig:     r.reconfig,
		Log:          r.log,
		Clock:        domain.RealClock{},
		AllowOrigins: r.cfg.AllowOrigins,
	}
	r.httpServer = &http.Server{Addr: r.cfg.ListenAddr, Handler: srv.Router()}

	ln, err := listen(r.cfg.ListenAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("binding %s: %w", r.cfg.ListenAddr, err)
	}
	r.listenAddr = ln.Addr().String()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.log.Error("http server stopped", zap.Error(err))
		}
	}()

	r.log.Info("router started",
		zap.String("listen_addr", r.cfg.ListenAddr),
		zap.String("service_discovery", r.cfg.ServiceDiscovery),
		zap.String("routing_logic", r.cfg.RoutingLogic),
	)
	return nil
}

// buildDiscoverySource constructs the C3 variant named by
// cfg.ServiceDiscovery. Cluster requires in-cluster credentials (rest.
// InClusterConfig), matching how a pod-watcher is only ever run from
// inside the cluster it watches.
func (r *Router) buildDiscoverySource() (discoverySource, error) {
	switch r.cfg.ServiceDiscovery {
	case "static":
		if r.cfg.StaticSeedFile != "" {
			src, err := discovery.NewStaticSourceFromSeedFile(r.cfg.StaticSeedFile)
			if err != nil {
				return nil, fmt.Errorf("loading static seed file: %w", err)
			}
			return src, nil
		}
		return discovery.NewStaticSourceFromCSV(r.cfg.StaticBackends, r.cfg.StaticModels, r.cfg.StaticModelTypes), nil
	case "dynamic":
		return r.fileSource, nil
	case "cluster":
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("loading in-cluster config: %w", err)
		}
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes client: %w", err)
		}
		return discovery.NewClusterSource(client, r.cfg.ClusterNamespace, r.cfg.ClusterSelector, r.log), nil
	default:
		return nil, fmt.Errorf("unknown service_discovery %q", r.cfg.ServiceDiscovery)
	}
}

// discoverySource is the common shape of every engine/internal/discovery
// variant; kept local to avoid exporting an interface the internal package
// itself never needed until the facade had to pick one of three at runtime.
type discoverySource interface {
	Run(ctx context.Context) <-chan []domain.Endpoint
}

func (r *Router) listEndpointURLs() []string {
	snap := r.registry.List()
	urls := make([]string, len(snap.Endpoints))
	for i, e := range snap.Endpoints {
		urls[i] = e.URL
	}
	return urls
}

// Stop gracefully shuts down the HTTP listener and every background loop.
// Idempotent; safe to call after a failed Start.
func (r *Router) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	var err error
	if r.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = r.httpServer.Shutdown(ctx)
	}
	r.workflows.Close()
	r.messages.Close()
	r.wg.Wait()
	return err
}

// Snapshot returns a unified state view for diagnostics / periodic logging.
func (r *Router) Snapshot() Snapshot {
	return Snapshot{
		StartedAt:       r.startedAt,
		Uptime:          time.Since(r.startedAt),
		EndpointCount:   len(r.registry.List().Endpoints),
		WorkflowCount:   r.workflows.Count(),
		CurrentStrategy: r.dispatcher.CurrentStrategyName(),
	}
}

// Addr returns the HTTP listener's actual bound address. Only meaningful
// after a successful Start; useful when Config.ListenAddr uses port 0.
func (r *Router) Addr() string { return r.listenAddr }

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Reconfigure applies a new dynamic configuration document (component C8),
// delegating to the same manager POST /reconfigure uses, so embedders that
// never run the HTTP surface can still hot-reconfigure programmatically.
func (r *Router) Reconfigure(config []byte) error {
	return r.reconfig.Reconfigure(config)
}
