// Package stats implements the two aggregators of spec component C2: a
// periodic poller of each engine's self-reported stats, and an in-process
// rolling window of request-level stats fed by the dispatcher.
package stats

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/metrics"
)

// EngineStats is the most recently scraped snapshot for one endpoint.
// Spec 4.2: failures do not remove an endpoint, they mark LastScrapeOK=false
// and bump FailureCount; strategies must tolerate stale data.
type EngineStats struct {
	QueueLen        int
	Running         int
	GPUCacheHitRate float64
	GPUMemUtil      float64
	TokensPerSecond float64
	LastScrapeAt    time.Time
	LastScrapeOK    bool
	FailureCount    int64
	Known           bool // false until the first successful scrape or dispatch (spec invariant 5)
}

// scrapePayload is the subset of an engine's /metrics response this router
// understands. Real engines expose a superset; unknown fields are ignored.
type scrapePayload struct {
	NumRequestsWaiting int     `json:"num_requests_waiting"`
	NumRequestsRunning int     `json:"num_requests_running"`
	GPUCacheUsagePerc  float64 `json:"gpu_cache_usage_perc"`
	GPUMemUtil         float64 `json:"gpu_mem_util"`
	TokensPerSecond    float64 `json:"tokens_per_second"`
}

// Fetcher retrieves a raw stats payload for one endpoint. Production code
// uses httpFetcher; tests supply a stub.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type httpFetcher struct{ client *http.Client }

// NewHTTPFetcher builds a Fetcher that GETs "<url>/metrics".
func NewHTTPFetcher(client *http.Client) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &httpFetcher{client: client}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &scrapeStatusError{status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

type scrapeStatusError struct{ status int }

func (e *scrapeStatusError) Error() string { return http.StatusText(e.status) }

const shardCount = 16

type engineStatsShard struct {
	mu    sync.RWMutex
	byURL map[string]*EngineStats
}

// EngineStatsStore is the sharded, atomically-swappable map of per-url
// EngineStats described in spec 4.2. Sharding mirrors the teacher's
// ratelimit.AdaptiveRateLimiter domain-shard layout so poll writes for
// different endpoints never contend on the same lock.
type EngineStatsStore struct {
	shards [shardCount]*engineStatsShard
}

// NewEngineStatsStore builds an empty store.
func NewEngineStatsStore() *EngineStatsStore {
	s := &EngineStatsStore{}
	for i := range s.shards {
		s.shards[i] = &engineStatsShard{byURL: make(map[string]*EngineStats)}
	}
	return s
}

func (s *EngineStatsStore) shardFor(url string) *engineStatsShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the current stats for url, and whether any entry
// exists at all (an endpoint with no entry is "unknown" per invariant 5).
func (s *EngineStatsStore) Get(url string) (EngineStats, bool) {
	shard := s.shardFor(url)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	st, ok := s.byURL(shard, url)
	if !ok {
		return EngineStats{}, false
	}
	return *st, true
}

func (s *EngineStatsStore) byURL(shard *engineStatsShard, url string) (*EngineStats, bool) {
	st, ok := shard.byURL[url]
	return st, ok
}

// Remove drops an endpoint's stats, called by the registry removal observer.
func (s *EngineStatsStore) Remove(url string) {
	shard := s.shardFor(url)
	shard.mu.Lock()
	delete(shard.byURL, url)
	shard.mu.Unlock()
}

func (s *EngineStatsStore) recordSuccess(url string, p scrapePayload, now time.Time) {
	shard := s.shardFor(url)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.byURL[url]
	if !ok {
		st = &EngineStats{}
		shard.byURL[url] = st
	}
	st.QueueLen = p.NumRequestsWaiting
	st.Running = p.NumRequestsRunning
	st.GPUCacheHitRate = p.GPUCacheUsagePerc
	st.GPUMemUtil = p.GPUMemUtil
	st.TokensPerSecond = p.TokensPerSecond
	st.LastScrapeAt = now
	st.LastScrapeOK = true
	st.Known = true
}

func (s *EngineStatsStore) recordFailure(url string, now time.Time) {
	shard := s.shardFor(url)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.byURL[url]
	if !ok {
		st = &EngineStats{}
		shard.byURL[url] = st
	}
	st.LastScrapeAt = now
	st.LastScrapeOK = false
	st.FailureCount++
}

// MarkKnownFromDispatch satisfies invariant 5's other trigger: a freshly
// registered endpoint becomes selectable after its first successful
// dispatch even if it has not yet been scraped.
func (s *EngineStatsStore) MarkKnownFromDispatch(url string) {
	shard := s.shardFor(url)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	st, ok := shard.byURL[url]
	if !ok {
		st = &EngineStats{}
		shard.byURL[url] = st
	}
	st.Known = true
}

// Poller periodically scrapes every endpoint currently in the registry.
type Poller struct {
	store    *EngineStatsStore
	fetcher  Fetcher
	interval time.Duration
	clock    domain.Clock
	log      *zap.Logger
	listFn   func() []string
	series   *metrics.Series
}

// SetSeries wires the queue-depth gauge (spec's vllm:num_requests_waiting)
// into successful scrapes. Optional; a Poller with no series set just skips
// the metric update.
func (p *Poller) SetSeries(series *metrics.Series) *Poller {
	p.series = series
	return p
}

// NewPoller builds a Poller. listFn supplies the current endpoint urls
// (normally registry.Registry.List, projected to urls).
func NewPoller(store *EngineStatsStore, fetcher Fetcher, interval time.Duration, clock domain.Clock, log *zap.Logger, listFn func() []string) *Poller {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{store: store, fetcher: fetcher, interval: interval, clock: clock, log: log, listFn: listFn}
}

// Run blocks, polling every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	urls := p.listFn()
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			p.scrapeOne(ctx, url)
		}(url)
	}
	wg.Wait()
}

func (p *Poller) scrapeOne(ctx context.Context, url string) {
	now := p.clock.Now()
	body, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		p.store.recordFailure(url, now)
		p.log.Debug("engine stats scrape failed", zap.String("url", url), zap.Error(err))
		return
	}
	var payload scrapePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.store.recordFailure(url, now)
		p.log.Warn("engine stats scrape returned unparsable body", zap.String("url", url), zap.Error(err))
		return
	}
	p.store.recordSuccess(url, payload, now)
	if p.series != nil {
		p.series.QueueDepth.Set(float64(payload.NumRequestsWaiting), url)
	}
}
