// Package app assembles the service: it owns every component as a value,
// wires them through interfaces, and manages startup and shutdown order.
// Components never import each other's concrete types directly; the cycles
// the control plane would otherwise form (pipeline <-> recovery <->
// degradation) are broken here.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/api"
	"bridge.linelead.io/audit"
	"bridge.linelead.io/bridge"
	"bridge.linelead.io/citations"
	"bridge.linelead.io/common"
	"bridge.linelead.io/config"
	"bridge.linelead.io/dedup"
	"bridge.linelead.io/degradation"
	"bridge.linelead.io/extract"
	"bridge.linelead.io/graph"
	"bridge.linelead.io/health"
	"bridge.linelead.io/integrity"
	"bridge.linelead.io/model"
	"bridge.linelead.io/optimization"
	"bridge.linelead.io/pipeline"
	"bridge.linelead.io/progress"
	"bridge.linelead.io/recovery"
	"bridge.linelead.io/reliability"
)

// Options are the environment-level settings not covered by the config tree.
type Options struct {
	DataDir      string // root for data/ and uploads/
	Neo4jURI     string
	Neo4jUser    string
	Neo4jPass    string
	ExtractorURL string // LLM extraction service; empty = rule-based fallback
	RedisURL     string // progress mirror; empty = disabled
	HTTPPort     int
}

// OptionsFromEnv reads the runtime environment.
func OptionsFromEnv() Options {
	opts := Options{
		DataDir:      envOr("BRIDGE_DATA_DIR", "."),
		Neo4jURI:     envOr("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:    envOr("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:    os.Getenv("NEO4J_PASSWORD"),
		ExtractorURL: os.Getenv("EXTRACTOR_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		HTTPPort:     8080,
	}
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &opts.HTTPPort)
	}
	return opts
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// App owns every component.
type App struct {
	Config       *config.Manager
	Audit        *audit.Log
	DLQ          *reliability.DeadLetterQueue
	Txns         *reliability.TransactionManager
	GraphBreaker *reliability.CircuitBreaker
	Graph        *graph.Client
	Bus          *progress.Bus
	Pipeline     *pipeline.Pipeline
	Bridge       *bridge.Service
	Monitor      *health.Monitor
	Exporter     *health.Exporter
	Recovery     *recovery.Controller
	Degradation  *degradation.Manager
	LocalQueue   *degradation.LocalQueue
	Optimizer    *optimization.Engine
	Mirror       *progress.RedisMirror

	logger *logrus.Entry
	opts   Options
}

// New builds the full application graph. The graph querier may be nil for
// offline use; writes then ride the local queue until a drain target exists.
func New(ctx context.Context, opts Options, querier graph.Querier) (*App, error) {
	logger := common.NewComponentLogger("app")
	a := &App{logger: logger, opts: opts}

	dataDir := func(parts ...string) string {
		return filepath.Join(append([]string{opts.DataDir, "data"}, parts...)...)
	}

	cfg, err := config.New(config.Config{DataDir: dataDir("config"), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a.Config = cfg
	common.ConfigureLogging(
		cfg.GetString("logging.level", "info"),
		cfg.GetString("logging.format", "text"),
	)

	auditLog, err := audit.Open(audit.Config{
		Path:         filepath.Join(mustDir(dataDir("audit")), "events.db"),
		Enabled:      cfg.GetBool(config.KeyAuditLogging, true),
		Sanitization: cfg.GetBool(config.KeyDataSanitization, true),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	a.Audit = auditLog

	dlq, err := reliability.NewDeadLetterQueue(reliability.DLQConfig{
		Path:   filepath.Join(mustDir(dataDir("dlq")), "queue.json"),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: %w", err)
	}
	a.DLQ = dlq
	a.Txns = reliability.NewTransactionManager(reliability.TxnConfig{DLQ: dlq, Logger: logger})

	a.GraphBreaker = reliability.NewCircuitBreaker(reliability.BreakerConfig{
		Name:             "graph",
		FailureThreshold: cfg.GetInt(config.KeyCircuitBreakerFailures, 5),
		CoolDown:         cfg.GetDuration(config.KeyCircuitBreakerCooldown, 60*time.Second),
		Logger:           logger,
	})
	a.Graph = graph.NewClient(graph.ClientConfig{
		Querier: querier,
		Breaker: a.GraphBreaker,
		DLQ:     dlq,
		Config:  cfg,
		Logger:  logger,
	})

	if opts.RedisURL != "" {
		mirror, err := progress.NewRedisMirror(ctx, progress.MirrorConfig{RedisURL: opts.RedisURL, Logger: logger})
		if err != nil {
			logger.WithError(err).Warn("progress mirror unavailable, continuing without it")
		} else {
			a.Mirror = mirror
		}
	}
	busCfg := progress.BusConfig{Logger: logger}
	if a.Mirror != nil {
		busCfg.Mirror = a.Mirror
	}
	a.Bus = progress.NewBus(busCfg)

	store, err := citations.NewStore(filepath.Join(opts.DataDir, "content"))
	if err != nil {
		return nil, fmt.Errorf("citation store: %w", err)
	}

	var entityExtractor extract.EntityExtractor = extract.RuleBasedEntityExtractor{}
	if opts.ExtractorURL != "" {
		entityExtractor = extract.NewHTTPEntityExtractor(opts.ExtractorURL, 2*time.Minute)
	}

	preserver := citations.NewPreserver(citations.PreserverConfig{
		Store:  store,
		Graph:  a.Graph,
		Txns:   a.Txns,
		Logger: logger,
	})
	verifier := integrity.NewVerifier(integrity.VerifierConfig{
		Graph:  a.Graph,
		Txns:   a.Txns,
		Logger: logger,
	})
	a.Bridge = bridge.NewService(bridge.ServiceConfig{
		Extractor: entityExtractor,
		Deduper:   dedup.NewEngine(dedup.EngineConfig{Logger: logger}),
		Preserver: preserver,
		Graph:     a.Graph,
		Verifier:  verifier,
		Txns:      a.Txns,
		Bus:       a.Bus,
		Config:    cfg,
		Logger:    logger,
	})

	localQueue, err := degradation.OpenLocalQueue(
		filepath.Join(mustDir(dataDir("degradation")), "local_queue.db"),
		cfg.GetInt(config.KeyLocalQueueCap, 10000),
	)
	if err != nil {
		return nil, fmt.Errorf("local queue: %w", err)
	}
	a.LocalQueue = localQueue

	registry, err := pipeline.NewRegistry(filepath.Join(mustDir(dataDir("pipeline")), "processes.json"))
	if err != nil {
		return nil, fmt.Errorf("process registry: %w", err)
	}

	a.Degradation = degradation.NewManager(degradation.ManagerConfig{
		Signals: &signalAdapter{app: a},
		Queue:   localQueue,
		Graph:   a.Graph,
		Config:  cfg,
		Logger:  logger,
	})

	a.Pipeline = pipeline.New(pipeline.Config{
		Registry:  registry,
		Bus:       a.Bus,
		Bridge:    a.Bridge,
		Text:      extract.PDFTextExtractor{},
		Config:    cfg,
		DLQ:       dlq,
		Gate:      a.Degradation,
		UploadDir: filepath.Join(opts.DataDir, "uploads"),
		Logger:    logger,
	})

	a.Exporter = health.NewExporter()
	monitor, err := health.NewMonitor(health.MonitorConfig{
		Metrics:  a.metricSpecs(),
		Watcher:  &watcherAdapter{registry: registry, pipeline: func() *pipeline.Pipeline { return a.Pipeline }},
		Exporter: a.Exporter,
		DataDir:  mustDir(dataDir("health")),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("health monitor: %w", err)
	}
	a.Monitor = monitor

	recoveryController, err := recovery.NewController(recovery.ControllerConfig{
		Monitor: monitor,
		Actions: &actionAdapter{app: a},
		Txns:    a.Txns,
		DLQ:     dlq,
		DataDir: mustDir(dataDir("recovery")),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("recovery: %w", err)
	}
	a.Recovery = recoveryController

	optimizer, err := optimization.NewEngine(optimization.EngineConfig{
		Metrics: monitor,
		Config:  cfg,
		DataDir: mustDir(dataDir("optimization")),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("optimization: %w", err)
	}
	a.Optimizer = optimizer

	// Config changes feed the audit trail.
	for _, key := range []string{config.KeyBatchSize, config.KeyConcurrentProcesses, config.KeyConnectionPoolSize} {
		key := key
		cfg.Watch(key, func(path string, old, new interface{}) {
			_, _ = auditLog.Record(audit.Entry{
				Kind:      audit.KindConfigChange,
				Actor:     "config",
				ActorRole: "system",
				Operation: "set",
				Resource:  path,
				Outcome:   "success",
				Payload:   map[string]interface{}{"key": path},
			})
		})
	}

	return a, nil
}

// Start launches the control loops and resumes interrupted processes.
func (a *App) Start() {
	metricsInterval := a.Config.GetDuration(config.KeyMetricsInterval, 15*time.Second)
	a.DLQ.Start(5 * time.Second)
	a.Monitor.Start()
	a.Recovery.Start(metricsInterval * 2)
	a.Degradation.Start(metricsInterval)
	a.Optimizer.Start(10 * time.Minute)
	a.Pipeline.Resume()
	a.logger.WithField("environment", a.Config.Environment()).Info("bridge service started")
}

// Stop shuts the service down: intake first, then the loops, then the
// stores.
func (a *App) Stop(drainDeadline time.Duration) {
	a.Pipeline.Stop(drainDeadline)
	a.Optimizer.Stop()
	a.Degradation.Stop()
	a.Recovery.Stop()
	a.Monitor.Stop()
	a.DLQ.Stop()
	if a.LocalQueue != nil {
		_ = a.LocalQueue.Close()
	}
	if a.Mirror != nil {
		_ = a.Mirror.Close()
	}
	a.logger.Info("bridge service stopped")
}

// APIHandlers builds the HTTP handler bundle.
func (a *App) APIHandlers() *api.Handlers {
	return &api.Handlers{
		Ingestor: a.Pipeline,
		Store:    a.Pipeline.Registry(),
		Bus:      a.Bus,
		Health:   a.Monitor,
		Gate:     a.Degradation,
		DLQ:      a.DLQ,
		Metrics:  a.Exporter.Handler(),
		Logger:   a.logger,
	}
}

// metricSpecs binds the monitored metric set to live sources.
func (a *App) metricSpecs() map[string]health.MetricSpec {
	interval := a.Config.GetDuration(config.KeyMetricsInterval, 15*time.Second)
	probe := func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		latency, err := a.Graph.HealthProbe(ctx)
		if err != nil {
			return 60 // sentinel: worse than any healthy probe
		}
		return latency.Seconds()
	}

	return map[string]health.MetricSpec{
		"graph_response_time": {Interval: interval * 2, Source: probe},
		"graph_cb_state": {Interval: interval, Source: func() float64 {
			switch a.GraphBreaker.State() {
			case reliability.StateOpen:
				return 2
			case reliability.StateHalfOpen:
				return 1
			}
			return 0
		}},
		"memory_percent": {Interval: interval, Source: func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			limitMB := a.Config.GetInt(config.KeyMemoryLimitMB, 2048)
			return float64(stats.Alloc) / (float64(limitMB) * 1024 * 1024) * 100
		}},
		"queue_depth": {Interval: interval, Source: func() float64 {
			return float64(a.DLQ.Depth() + a.LocalQueue.Depth())
		}},
		"active_processes": {Interval: interval, Source: func() float64 {
			return float64(a.Pipeline.Registry().ActiveCount())
		}},
		"stuck_files_count": {Interval: interval * 2, Source: func() float64 {
			return float64(len(a.Monitor.StuckFiles()))
		}},
		"success_rate": {Interval: interval * 4, Source: func() float64 {
			return a.successRate()
		}},
		"error_rate": {Interval: interval * 4, Source: func() float64 {
			return 1 - a.successRate()
		}},
		"processing_time_avg": {Interval: interval * 4, Source: func() float64 {
			return a.avgProcessingSeconds()
		}},
		"throughput": {Interval: interval * 4, Source: func() float64 {
			return a.completedLastHour()
		}},
	}
}

func (a *App) successRate() float64 {
	var done, succeeded float64
	for _, p := range a.Pipeline.Registry().List() {
		switch p.TerminalState {
		case model.ProcessSucceeded, model.ProcessForceCompleted:
			done++
			succeeded++
		case model.ProcessFailed:
			done++
		}
	}
	if done == 0 {
		return 1
	}
	return succeeded / done
}

func (a *App) avgProcessingSeconds() float64 {
	var total float64
	var n int
	for _, p := range a.Pipeline.Registry().List() {
		if p.TerminalState == model.ProcessRunning || len(p.StageHistory) == 0 {
			continue
		}
		last := p.StageHistory[len(p.StageHistory)-1]
		if last.End != nil {
			total += last.End.Sub(p.CreatedAt).Seconds()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func (a *App) completedLastHour() float64 {
	cutoff := time.Now().Add(-time.Hour)
	var n float64
	for _, p := range a.Pipeline.Registry().List() {
		if p.TerminalState == model.ProcessSucceeded && p.CreatedAt.After(cutoff) {
			n++
		}
	}
	return n
}

func mustDir(path string) string {
	_ = os.MkdirAll(path, 0o755)
	return path
}
