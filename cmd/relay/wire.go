package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/relay/internal/agent"
	"github.com/nugget/relay/internal/buildinfo"
	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/escalation"
	"github.com/nugget/relay/internal/events"
	"github.com/nugget/relay/internal/idempotency"
	"github.com/nugget/relay/internal/llm"
	"github.com/nugget/relay/internal/mcp"
	"github.com/nugget/relay/internal/memory"
	"github.com/nugget/relay/internal/metrics"
	"github.com/nugget/relay/internal/plan"
	"github.com/nugget/relay/internal/tools"
	"github.com/nugget/relay/internal/tracing"
)

// shutdownTimeout bounds teardown of sessions, brokers and exporters.
const shutdownTimeout = 5 * time.Second

// loadConfig locates, parses, overrides and validates the configuration.
func loadConfig(explicit string, lookup func(string) (string, bool)) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, path, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// setup loads the configuration and builds the logger every command
// shares.
func setup(configPath string, stderr io.Writer, lookup func(string) (string, bool)) (*config.Config, *slog.Logger, error) {
	cfg, path, err := loadConfig(configPath, lookup)
	if err != nil {
		return nil, nil, err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level)
	logger.Debug("config loaded", "path", path)
	return cfg, logger, nil
}

// app is the fully wired orchestrator and everything it owns.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	bus      *events.Bus
	pool     *mcp.Pool
	registry *tools.Registry
	orch     *agent.Orchestrator

	closers []func(context.Context) error
}

// buildRegistry creates the pool, registers configured tools and
// discovers the rest.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *events.Bus, m *metrics.Metrics) (*mcp.Pool, *tools.Registry, error) {
	pool, err := mcp.NewPool(cfg.MCPServers, mcp.PoolOptions{
		HandshakeTimeout: cfg.Execution.HandshakeTimeout,
		Logger:           logger,
		Bus:              bus,
		Metrics:          m,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mcp pool: %w", err)
	}

	categories := make(map[string]string, len(cfg.MCPServers))
	for _, s := range cfg.MCPServers {
		categories[s.Name] = s.Category
	}

	registry := tools.NewRegistry()
	for _, tc := range cfg.Tools {
		if err := registry.Register(tools.FromConfig(tc, categories[tc.Server])); err != nil {
			pool.Close(ctx)
			return nil, nil, fmt.Errorf("register tool %s: %w", tc.Name, err)
		}
	}

	if root := cfg.Documents.Root; root != "" {
		docs, err := tools.NewDocuments(root)
		if err != nil {
			pool.Close(ctx)
			return nil, nil, err
		}
		if err := registry.Register(docs.Tool(cfg.Documents.Intents)); err != nil {
			pool.Close(ctx)
			return nil, nil, err
		}
		logger.Info("document search enabled", "root", docs.Root())
	}

	n, err := mcp.Discover(ctx, pool, registry, cfg.MCPServers, logger)
	if err != nil {
		// A server that is down at startup leaves its configured tools in
		// place; calls to it escalate like any other transport failure.
		logger.Warn("tool discovery incomplete", "discovered", n, "error", err)
	}
	logger.Info("tool registry ready", "tools", registry.Len(), "discovered", n, "servers", pool.Len())
	return pool, registry, nil
}

// newApp wires every component from cfg and starts the background
// workers. They stop when ctx is done; close releases the rest.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		bus:     events.New(),
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, buildinfo.Version)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	go a.bus.LogTo(ctx, logger)

	if err := a.serveMetrics(ctx); err != nil {
		return nil, err
	}

	pool, registry, err := buildRegistry(ctx, cfg, logger, a.bus, a.metrics)
	if err != nil {
		return nil, err
	}
	a.pool, a.registry = pool, registry
	a.closers = append(a.closers, pool.Close)

	cache := idempotency.New(idempotency.Options{
		Window:     cfg.Idempotency.Window,
		MaxEntries: cfg.Idempotency.MaxEntries,
		Logger:     logger,
	})
	go cache.Run(ctx, cfg.Idempotency.SweepInterval)

	history := memory.NewStore(memory.Options{
		Window:    cfg.History.Window,
		Retention: cfg.History.Retention,
		Logger:    logger,
	})
	go history.Run(ctx, time.Hour)

	planOpts := plan.Options{
		Priority:      cfg.Planner.Priority,
		Intents:       cfg.Planner.Intents,
		ReasonTimeout: cfg.Planner.Reasoning.Timeout,
		Logger:        logger,
		Metrics:       a.metrics,
	}
	if r := cfg.Planner.Reasoning; r.URL != "" {
		planOpts.Reasoner = plan.NewLLMReasoner(llm.NewOllamaClient(r.URL, logger), r.Model, logger)
		logger.Info("reasoning backend enabled", "url", r.URL, "model", r.Model)
	}
	planner := plan.New(registry, planOpts)

	loop := agent.NewLoop(agent.Options{
		MaxAttempts:    cfg.Execution.MaxAttempts,
		AttemptTimeout: cfg.Execution.AttemptTimeout,
		RequestTimeout: cfg.Execution.RequestTimeout,
		BackoffInitial: cfg.Execution.BackoffInitial,
		BackoffMax:     cfg.Execution.BackoffMax,
		Reasoner:       planner,
		Logger:         logger,
		Metrics:        a.metrics,
		Events:         a.bus,
	})

	sink, err := a.escalationSink(ctx)
	if err != nil {
		return nil, err
	}

	a.orch, err = agent.NewOrchestrator(agent.Deps{
		Cache:         cache,
		Registry:      registry,
		Planner:       planner,
		Loop:          loop,
		Pool:          pool,
		History:       history,
		Escalations:   sink,
		HistoryWindow: cfg.History.Window,
		Logger:        logger,
		Metrics:       a.metrics,
		Events:        a.bus,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// escalationSink builds the configured sinks. Nil means escalations are
// reported only in bundles.
func (a *app) escalationSink(ctx context.Context) (escalation.Sink, error) {
	var sinks escalation.Multi

	if path := a.cfg.Escalation.DBPath; path != "" {
		store, err := escalation.NewStore(path)
		if err != nil {
			return nil, fmt.Errorf("escalation ledger: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		sinks = append(sinks, store)
		a.logger.Info("escalation ledger open", "path", path)
	}

	if mc := a.cfg.Escalation.MQTT; mc.Broker != "" {
		pub := escalation.NewPublisher(mc, a.logger)
		if err := pub.Start(ctx); err != nil {
			return nil, fmt.Errorf("escalation publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Stop)
		sinks = append(sinks, pub)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

// serveMetrics exposes /metrics when a listen address is configured.
func (a *app) serveMetrics(ctx context.Context) error {
	addr := a.cfg.Metrics.Listen
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
	a.logger.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

// close releases everything in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
