package reconfig

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vllm-router/core/engine/internal/dispatch"
	"github.com/vllm-router/core/engine/internal/discovery"
	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/registry"
)

// Manager applies reconfigure documents against a live router. It
// implements httpapi.Reconfigurer structurally (Reconfigure([]byte) error)
// without httpapi needing to import this package.
//
// Only the two hot-swappable components spec section 4.8 names - the
// discovery variant (C3) and the routing strategy (C6) - are actually
// swapped by Reconfigure. Everything else in the document is validated and
// stored for introspection (Current()) but requires a process restart to
// take effect, since the spec's own five-step algorithm only describes
// swapping those two.
type Manager struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger

	mu         sync.Mutex
	current    Config
	fileSource *discovery.FileSource // set only when dynamic discovery was configured at startup
}

// New builds a Manager. fileSource may be nil if the router was not started
// with dynamic (file-watched) discovery; in that case Reconfigure rejects
// documents asking for service_discovery="dynamic".
func New(reg *registry.Registry, d *dispatch.Dispatcher, fileSource *discovery.FileSource, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{registry: reg, dispatcher: d, fileSource: fileSource, log: log}
}

// Current returns the most recently applied config, or the zero Config
// before the first successful Reconfigure call.
func (m *Manager) Current() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Reconfigure parses and applies a new config document, following spec
// section 4.8's build-then-swap sequence. Either both the discovery
// snapshot and the routing strategy change, or neither does - a failure
// partway through leaves the router on its previous config.
func (m *Manager) Reconfigure(raw []byte) error {
	cfg, rerr := parseConfig(raw)
	if rerr != nil {
		return rerr
	}
	strategyName, _ := internalStrategyName(cfg.RoutingLogic)
	previous := m.dispatcher.CurrentStrategyName()
	if !m.dispatcher.SetStrategy(strategyName) {
		return domain.NewRoutingError(domain.ErrConfigInvalid, "routing strategy "+strategyName+" is not registered")
	}
	if err := m.applyDiscovery(cfg); err != nil {
		m.dispatcher.SetStrategy(previous)
		return err
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	m.log.Info("reconfigured",
		zap.String("service_discovery", cfg.ServiceDiscovery),
		zap.String("routing_logic", cfg.RoutingLogic),
	)
	return nil
}

// applyDiscovery builds and installs the new C3 variant. static is fully
// self-contained in the document and is applied synchronously; dynamic
// re-triggers the file watcher already configured at startup (the document
// carries no file path of its own, per spec section 6's schema); cluster
// has no hot-reconfigurable connection parameters in the schema either, so
// selecting it is a routing-strategy-only change against whatever cluster
// watch is already running.
func (m *Manager) applyDiscovery(cfg Config) error {
	switch cfg.ServiceDiscovery {
	case "static":
		return m.applyStatic(cfg)
	case "dynamic":
		if m.fileSource == nil {
			return domain.NewRoutingError(domain.ErrConfigInvalid, "dynamic discovery was not configured at startup")
		}
		m.fileSource.Trigger()
		return nil
	case "cluster":
		return nil
	default:
		return domain.NewRoutingError(domain.ErrConfigInvalid, "unknown service_discovery "+cfg.ServiceDiscovery)
	}
}

func (m *Manager) applyStatic(cfg Config) error {
	src := discovery.NewStaticSourceFromCSV(cfg.StaticBackends, cfg.StaticModels, cfg.StaticModelTypes)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := src.Run(ctx)
	endpoints, ok := <-ch
	if !ok {
		return domain.NewRoutingError(domain.ErrConfigInvalid, "static discovery produced no endpoints")
	}
	m.registry.Replace(endpoints)
	return nil
}
