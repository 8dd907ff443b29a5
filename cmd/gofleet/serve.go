package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/audit"
	"github.com/basket/go-fleet/internal/bus"
	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/cron"
	"github.com/basket/go-fleet/internal/gateway"
	"github.com/basket/go-fleet/internal/history"
	"github.com/basket/go-fleet/internal/hub"
	"github.com/basket/go-fleet/internal/ledger"
	fleetotel "github.com/basket/go-fleet/internal/otel"
	"github.com/basket/go-fleet/internal/scheduler"
	"github.com/basket/go-fleet/internal/telemetry"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// buildAgents returns the collaborator client selected by agents.mode.
func buildAgents(cfg config.AgentsConfig) agents.Client {
	if cfg.Mode != config.AgentsModeHTTP {
		return agents.NewStatic(cfg.Names...)
	}
	endpoints := make([]agents.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, agents.Endpoint{Name: ep.Name, URL: ep.URL})
	}
	return agents.NewHTTPClient(endpoints, agents.HTTPOptions{
		Timeout:           seconds(cfg.TimeoutSeconds),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Token:             cfg.Token,
	})
}

// applyReload pushes the hot-reloadable settings into the running components.
func applyReload(logger *slog.Logger, reg *hub.Registry, engine *consensus.Engine, resolver *conflict.Resolver, trail *audit.Log) func(config.Config) {
	return func(nc config.Config) {
		ctx := context.Background()
		if err := reg.SetPolicy(nc.Connections.Policy); err != nil {
			logger.Warn("shedding policy reload rejected", "error", err)
			trail.Record(ctx, "config.reload", audit.DecisionDeny, "config.yaml", "connections.policy", err.Error())
		} else {
			logger.Info("shedding policy applied", "hard_cap", nc.Connections.Policy.HardCap)
		}
		if nc.Consensus.Threshold != engine.Threshold() {
			engine.SetThreshold(nc.Consensus.Threshold)
			logger.Info("consensus threshold applied", "threshold", nc.Consensus.Threshold)
		}
		resolver.SetThreshold(nc.Consensus.Threshold)
		trail.Record(ctx, "config.reload", audit.DecisionAllow, "config.yaml", nc.Fingerprint(), "")
	}
}

func runServe(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir,
		"from_defaults", cfg.FromDefaults, "fingerprint", cfg.Fingerprint())
	if !isLoopback(cfg.BindAddr) && cfg.AuthToken == "" {
		logger.Warn("non-loopback bind without auth_token; /api and /ws are open", "bind_addr", cfg.BindAddr)
	}

	trail, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_OPEN", err)
	}
	defer trail.Close()

	eventBus := bus.New()

	otelProvider, err := fleetotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := fleetotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	tracer := otelProvider.Tracer

	client := buildAgents(cfg.Agents)
	logger.Info("agents configured", "mode", cfg.Agents.Mode, "agents", client.Agents())

	load := ledger.NewLoad()
	perf := ledger.NewPerformance()
	engine := consensus.New(client, client, consensus.Config{
		ConfidenceThreshold: cfg.Consensus.Threshold,
		VoteTimeout:         seconds(cfg.Consensus.VoteTimeoutSeconds),
		ExecuteTimeout:      seconds(cfg.Consensus.ExecuteTimeoutSeconds),
		MaxParallel:         cfg.Consensus.MaxParallel,
	}, consensus.WithLogger(logger), consensus.WithTracer(tracer),
		consensus.WithMetrics(metrics), consensus.WithBus(eventBus))

	sched := scheduler.New(scheduler.Config{
		MaxQueueDepth:       cfg.Scheduler.MaxQueueDepth,
		EnforceDependencies: cfg.Scheduler.EnforceDependencies,
		Matcher:             scheduler.MatcherConfig{MaxLoad: cfg.Scheduler.MaxLoad},
	}, scheduler.Deps{
		Engine: engine, Roster: client, Load: load, Perf: perf,
		Bus: eventBus, Logger: logger, Tracer: tracer, Metrics: metrics,
	})

	routerOpts := hub.RouterOptions{SendTimeout: cfg.Connections.SendTimeout(), Logger: logger, Metrics: metrics}
	if cfg.Relay.Addr != "" {
		relay, err := hub.NewRedisRelay(ctx, hub.RedisRelayConfig{
			Addr: cfg.Relay.Addr, Password: cfg.Relay.Password, DB: cfg.Relay.DB, Prefix: cfg.Relay.Prefix,
		}, logger)
		if err != nil {
			fatalStartup(logger, "E_RELAY_CONNECT", err)
		}
		defer relay.Close()
		routerOpts.Relay = relay
		logger.Info("startup phase", "phase", "relay_connected", "addr", cfg.Relay.Addr, "origin", relay.Origin())
	}

	reg := hub.NewRegistry(hub.RegistryOptions{
		Policy:     cfg.Connections.Policy,
		StaleAfter: cfg.Connections.StaleAfter(),
		Logger:     logger,
		Metrics:    metrics,
		Bus:        eventBus,
	})
	router := hub.NewRouter(reg, routerOpts)
	monitor := hub.NewMonitor(reg, hub.MonitorConfig{
		Interval:      cfg.Connections.HeartbeatInterval(),
		SweepInterval: cfg.Connections.SweepInterval(),
	}, logger)

	resolver := conflict.NewResolver(conflict.Options{
		Load: load, VotingThreshold: cfg.Consensus.Threshold,
		Logger: logger, Metrics: metrics, Bus: eventBus,
	})

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.HistoryPath())
		if err != nil {
			fatalStartup(logger, "E_HISTORY_OPEN", err)
		}
		defer store.Close()
		sink := history.NewSink(store, eventBus, logger)
		sink.Start(ctx)
		defer sink.Stop()
		logger.Info("startup phase", "phase", "history_opened", "path", cfg.HistoryPath())
	}

	gw := gateway.New(gateway.Config{
		Registry:          reg,
		Router:            router,
		Scheduler:         sched,
		Engine:            engine,
		Resolver:          resolver,
		Load:              load,
		Perf:              perf,
		Agents:            client,
		Bus:               eventBus,
		History:           store,
		Audit:             trail,
		Logger:            logger,
		Tracer:            tracer,
		Metrics:           metrics,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         gateway.RateLimitConfig{RequestsPerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst},
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	forwarder := gw.NewForwarder()
	forwarder.Start(ctx)
	defer forwarder.Stop()
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	retention := cron.RetentionConfig{
		Tasks:   sched,
		TaskAge: time.Duration(cfg.Scheduler.TaskRetentionHours) * time.Hour,
		Logger:  logger,
	}
	if store != nil {
		retention.History = store
		retention.HistoryAge = time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
	}
	cronSched := cron.NewScheduler(cron.Config{Logger: logger})
	for _, job := range []cron.Job{
		cron.MetricsBroadcast(cfg.Reports.SystemMetrics, gw.Snapshot, router),
		cron.Retention(cfg.Reports.Retention, retention),
		cron.ConflictReport(cfg.Reports.Conflicts, resolver, router, logger),
	} {
		if err := cronSched.Add(job); err != nil {
			fatalStartup(logger, "E_CRON_JOB", err)
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go config.ApplyReloads(ctx, cfg.HomeDir, confWatcher.Events(), logger, applyReload(logger, reg, engine, resolver, trail))

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		if err := router.RunRelay(ctx); err != nil && ctx.Err() == nil {
			logger.Error("relay stopped", "error", err)
		}
	}()

	sched.Start(ctx)
	monitor.Start(ctx)
	cronSched.Start(ctx)
	logger.Info("startup phase", "phase", "running")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// 1. Stop intake.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	cronSched.Stop()
	monitor.Stop()

	// 2. Let the in-flight task finish, bounded by drain_timeout_seconds.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelDrain()
	if err := sched.Stop(drainCtx); err != nil {
		logger.Warn("scheduler did not drain in time", "error", err)
	}

	// 3. Close every connection with a going-away frame.
	n := reg.CloseAll(hub.ReasonShutdown)
	if err := reg.Wait(drainCtx); err != nil {
		logger.Warn("connections did not close in time", "error", err)
	}
	logger.Info("shutdown complete", "closed_connections", n)
}
