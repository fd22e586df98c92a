// Package workflow implements spec component C4: the manager that binds a
// multi-turn agentic workflow to the endpoint it started on, so every
// follow-up request in that workflow lands on the same engine (prefix cache
// reuse) until the binding expires or the endpoint disappears.
//
// The sharded-map-plus-eviction-loop shape mirrors the teacher's
// ratelimit.AdaptiveRateLimiter: per-key locking on the hot path, a single
// background ticker doing TTL sweeps, Close draining that ticker goroutine.
package workflow

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/vllm-router/core/engine/internal/domain"
)

const shardCount = 32

// Context is the per-workflow binding state described in spec section 3's
// WorkflowContext entity.
type Context struct {
	WorkflowID     string
	BoundEndpoint  string
	CreatedAt      time.Time
	LastActivityAt time.Time
	RequestCount   int64
	CacheHits      int64
	Agents         map[string]struct{} // agent ids seen on this workflow, per spec's agents: set
}

func (c *Context) addAgent(agentID string) {
	if agentID == "" {
		return
	}
	if c.Agents == nil {
		c.Agents = make(map[string]struct{})
	}
	c.Agents[agentID] = struct{}{}
}

// Manager holds all live workflow contexts. MaxWorkflows bounds memory via
// LRU eviction of the least-recently-active workflow; TTL bounds memory via
// time, expiring any workflow with no activity for at least TTL.
type Manager struct {
	cfg    Config
	clock  domain.Clock
	shards [shardCount]*shard

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex // guards lru, only touched for eviction bookkeeping
	lru   map[string]*lruNode
	front *lruNode
	back  *lruNode
	count int
}

type shard struct {
	mu  sync.RWMutex
	ctx map[string]*Context
}

type lruNode struct {
	workflowID string
	prev, next *lruNode
}

// Config carries the manager's tunables. Defaults mirror spec section 6.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxWorkflows  int
}

// Defaults returns the spec's documented defaults.
func Defaults() Config {
	return Config{
		TTL:           10 * time.Minute,
		SweepInterval: time.Second,
		MaxWorkflows:  100000,
	}
}

// New builds a Manager and starts its TTL/LRU sweep loop. Call Close to stop it.
func New(cfg Config, clock domain.Clock) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = Defaults().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = Defaults().SweepInterval
	}
	if cfg.MaxWorkflows <= 0 {
		cfg.MaxWorkflows = Defaults().MaxWorkflows
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	m := &Manager{cfg: cfg, clock: clock, stopCh: make(chan struct{}), lru: make(map[string]*lruNode)}
	for i := range m.shards {
		m.shards[i] = &shard{ctx: make(map[string]*Context)}
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

func (m *Manager) shardFor(workflowID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(workflowID))
	return m.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the existing context for workflowID or creates a fresh,
// unbound one, per spec's C4 get_or_create(workflow_id, agent_id?): it
// updates last_access_at and, when agentID is non-empty, adds it to the
// workflow's agent set. Either way it touches LRU recency.
func (m *Manager) GetOrCreate(workflowID, agentID string) *Context {
	sh := m.shardFor(workflowID)
	now := m.clock.Now()

	sh.mu.Lock()
	ctx, ok := sh.ctx[workflowID]
	if !ok {
		ctx = &Context{WorkflowID: workflowID, CreatedAt: now, LastActivityAt: now}
		sh.ctx[workflowID] = ctx
	}
	ctx.LastActivityAt = now
	ctx.addAgent(agentID)
	sh.mu.Unlock()

	m.touchLRU(workflowID)
	if !ok {
		m.evictOverCapacity()
	}
	return ctx
}

// AssignIfAbsent atomically binds workflowID to endpoint unless it is
// already bound to one that is still present in the registry, returning the
// (possibly pre-existing) bound endpoint. This is the compare-and-set
// primitive the workflow-aware routing strategy relies on so two concurrent
// first-requests of the same workflow cannot bind two different endpoints.
//
// stillServes reports whether a given bound endpoint is still eligible; when
// it returns false the stale binding is replaced with endpoint instead of
// being kept, matching spec section 4.4's contract that the next
// assign_if_absent after a removal observes null and may rebind. Pass nil to
// always treat a non-empty binding as valid (used by tests).
func (m *Manager) AssignIfAbsent(workflowID, endpoint string, stillServes func(bound string) bool) string {
	sh := m.shardFor(workflowID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ctx, ok := sh.ctx[workflowID]
	if !ok {
		now := m.clock.Now()
		ctx = &Context{WorkflowID: workflowID, CreatedAt: now, LastActivityAt: now}
		sh.ctx[workflowID] = ctx
	}
	if ctx.BoundEndpoint == "" || (stillServes != nil && !stillServes(ctx.BoundEndpoint)) {
		ctx.BoundEndpoint = endpoint
	}
	return ctx.BoundEndpoint
}

// OnRequestComplete records activity and a cache-hit sample against the
// workflow's binding.
func (m *Manager) OnRequestComplete(workflowID string, cacheHit bool) {
	sh := m.shardFor(workflowID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ctx, ok := sh.ctx[workflowID]
	if !ok {
		return
	}
	ctx.RequestCount++
	if cacheHit {
		ctx.CacheHits++
	}
	ctx.LastActivityAt = m.clock.Now()
}

// Get returns the context for workflowID, if any.
func (m *Manager) Get(workflowID string) (*Context, bool) {
	sh := m.shardFor(workflowID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ctx, ok := sh.ctx[workflowID]
	return ctx, ok
}

// OnEndpointRemoved is registered as a registry.RemovalObserver. Per spec
// section 4.1 ("registry notifies C4: un-bind workflows assigned to it;
// those workflows become re-bindable on next request"), a workflow bound to
// a removed endpoint is unbound immediately rather than on some later sweep
// tick, so the very next assign_if_absent picks a surviving endpoint.
func (m *Manager) OnEndpointRemoved(removed []domain.Endpoint) {
	removedURLs := make(map[string]struct{}, len(removed))
	for _, e := range removed {
		removedURLs[e.URL] = struct{}{}
	}
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, ctx := range sh.ctx {
			if _, gone := removedURLs[ctx.BoundEndpoint]; gone {
				ctx.BoundEndpoint = ""
			}
		}
		sh.mu.Unlock()
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, ctx := range sh.ctx {
			if now.Sub(ctx.LastActivityAt) >= m.cfg.TTL {
				delete(sh.ctx, id)
			}
		}
		sh.mu.Unlock()
	}
	m.pruneLRU()
}

// Close stops the sweep loop.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// Snapshot is the diagnostic, read-only view of one workflow context exposed
// over GET /v1/workflows.
type Snapshot struct {
	WorkflowID     string
	BoundEndpoint  string
	CreatedAt      time.Time
	LastActivityAt time.Time
	RequestCount   int64
	CacheHits      int64
	AgentCount     int
}

// List returns a snapshot of every live workflow context, for the
// diagnostic GET /v1/workflows endpoint. Not wired to the hot path.
func (m *Manager) List() []Snapshot {
	out := make([]Snapshot, 0, m.Count())
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, ctx := range sh.ctx {
			out = append(out, Snapshot{
				WorkflowID:     ctx.WorkflowID,
				BoundEndpoint:  ctx.BoundEndpoint,
				CreatedAt:      ctx.CreatedAt,
				LastActivityAt: ctx.LastActivityAt,
				RequestCount:   ctx.RequestCount,
				CacheHits:      ctx.CacheHits,
				AgentCount:     len(ctx.Agents),
			})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the number of live workflow contexts, for diagnostics.
func (m *Manager) Count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.ctx)
		sh.mu.RUnlock()
	}
	return n
}
