package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	router "github.com/vllm-router/core/engine"
)

func main() {
	var (
		listenAddr       string
		serviceDiscovery string
		staticBackends   string
		staticModels     string
		staticModelTypes string
		staticSeedFile   string
		dynamicConfig    string
		clusterNamespace string
		clusterSelector  string
		routingLogic     string
		sessionKey       string
		kvAwareThreshold float64
		workflowTTL      time.Duration
		maxWorkflows     int
		batchingPref     float64
		maxQueueSize     int
		maxMessageSize   int
		priorityHeader   string
		outputLenHeader  string
		slaHeader        string
		statsInterval    time.Duration
		requestWindow    time.Duration
		logStats         bool
		metricsEnabled   bool
		metricsBackend   string
		logLevel         string
	)

	flag.StringVar(&listenAddr, "host", ":8080", "Address to listen on, e.g. :8080 or 0.0.0.0:8080")
	flag.StringVar(&listenAddr, "port", ":8080", "Alias for -host")
	flag.StringVar(&serviceDiscovery, "service-discovery", "static", "Discovery variant: static|dynamic|cluster")
	flag.StringVar(&staticBackends, "static-backends", "", "Comma separated backend urls (service-discovery=static)")
	flag.StringVar(&staticModels, "static-models", "", "Comma separated model labels, positional with -static-backends")
	flag.StringVar(&staticModelTypes, "static-model-types", "", "Comma separated tags applied to every static backend")
	flag.StringVar(&staticSeedFile, "static-seed-file", "", "YAML file listing endpoints with per-endpoint tags; overrides -static-backends")
	flag.StringVar(&dynamicConfig, "dynamic-config-path", "", "JSON endpoint file watched when -service-discovery=dynamic")
	flag.StringVar(&clusterNamespace, "cluster-namespace", "default", "Namespace watched when -service-discovery=cluster")
	flag.StringVar(&clusterSelector, "cluster-selector", "", "Pod label selector watched when -service-discovery=cluster")
	flag.StringVar(&routingLogic, "routing-logic", "roundrobin", "Routing strategy: roundrobin|session|kvaware|prefixaware|disaggregated_prefill|workflow_aware|qoe_centric|disaggregated_qoe|time_tracking")
	flag.StringVar(&sessionKey, "session-key", "x-user-id", "Header session-sticky routing keys off")
	flag.Float64Var(&kvAwareThreshold, "kv-aware-threshold", 2048, "Prompt token threshold below which kv-aware routing bypasses the oracle")
	flag.DurationVar(&workflowTTL, "workflow-ttl", 10*time.Minute, "Time a workflow binding survives without activity")
	flag.IntVar(&maxWorkflows, "max-workflows", 100000, "Maximum live workflow bindings before LRU eviction")
	flag.Float64Var(&batchingPref, "batching-preference", 0, "Advisory batching-stickiness weight (see DESIGN.md)")
	flag.IntVar(&maxQueueSize, "max-message-queue-size", 256, "Maximum buffered messages per workflow/agent mailbox")
	flag.IntVar(&maxMessageSize, "max-message-size", 1<<20, "Maximum accepted A2A message body size in bytes")
	flag.StringVar(&priorityHeader, "priority-header", "x-request-priority", "Header carrying the caller's request priority")
	flag.StringVar(&outputLenHeader, "expected-output-len-header", "x-expected-output-tokens", "Header carrying the caller's expected output token count")
	flag.StringVar(&slaHeader, "sla-header", "x-sla-target-ms", "Header carrying the caller's SLA target in milliseconds")
	flag.DurationVar(&statsInterval, "engine-stats-interval", 2*time.Second, "Interval between engine /metrics scrapes")
	flag.DurationVar(&requestWindow, "request-stats-window", 60*time.Second, "Rolling window for request-level latency/throughput stats")
	flag.BoolVar(&logStats, "log-stats", false, "Periodically print a JSON snapshot to stderr")
	flag.BoolVar(&metricsEnabled, "enable-metrics", true, "Enable the metrics provider and /metrics endpoint")
	flag.StringVar(&metricsBackend, "metrics-backend", "prometheus", "Metrics backend: prometheus|otel")
	flag.StringVar(&logLevel, "log-level", "info", "Logger level: debug|info|warn|error")
	flag.Parse()

	cfg := router.Defaults()
	cfg.ListenAddr = listenAddr
	cfg.ServiceDiscovery = serviceDiscovery
	cfg.StaticBackends = staticBackends
	cfg.StaticModels = staticModels
	cfg.StaticModelTypes = staticModelTypes
	cfg.StaticSeedFile = staticSeedFile
	cfg.DynamicConfigPath = dynamicConfig
	cfg.ClusterNamespace = clusterNamespace
	cfg.ClusterSelector = clusterSelector
	cfg.RoutingLogic = routingLogic
	cfg.SessionKey = sessionKey
	cfg.KVAwareThreshold = kvAwareThreshold
	cfg.WorkflowTTL = workflowTTL
	cfg.MaxWorkflows = maxWorkflows
	cfg.BatchingPreference = batchingPref
	cfg.MaxMessageQueueSize = maxQueueSize
	cfg.MaxMessageSize = maxMessageSize
	cfg.PriorityHeader = priorityHeader
	cfg.ExpectedOutputLenHeader = outputLenHeader
	cfg.SLAHeader = slaHeader
	cfg.EngineStatsInterval = statsInterval
	cfg.RequestStatsWindow = requestWindow
	cfg.MetricsEnabled = metricsEnabled
	cfg.MetricsBackend = metricsBackend
	cfg.LogLevel = logLevel

	r, err := router.New(cfg)
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	if err := r.Start(ctx); err != nil {
		log.Printf("start router: %v", err)
		os.Exit(1)
	}

	var ticker *time.Ticker
	if logStats {
		ticker = time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					printSnapshot(r)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	if err := r.Stop(); err != nil {
		log.Printf("stop router: %v", err)
	}
	printSnapshot(r)
}

func printSnapshot(r *router.Router) {
	snap := r.Snapshot()
	b, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
}
