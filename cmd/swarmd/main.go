package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sgerhart/swarmgate/internal/agent"
	"github.com/sgerhart/swarmgate/internal/api"
	"github.com/sgerhart/swarmgate/internal/audit"
	"github.com/sgerhart/swarmgate/internal/bus"
	"github.com/sgerhart/swarmgate/internal/config"
	"github.com/sgerhart/swarmgate/internal/emergence"
	"github.com/sgerhart/swarmgate/internal/kill"
	"github.com/sgerhart/swarmgate/internal/metrics"
	"github.com/sgerhart/swarmgate/internal/model"
	"github.com/sgerhart/swarmgate/internal/scope"
)

// poolStatuses adapts the agent pool to the control-plane status surface.
type poolStatuses struct {
	pool *agent.Pool
}

func (p poolStatuses) AgentStatuses() []api.AgentStatus {
	agents := p.pool.Agents()
	out := make([]api.AgentStatus, len(agents))
	for i, a := range agents {
		out[i] = api.AgentStatus{ID: a.ID(), Role: a.Role(), State: string(a.State())}
	}
	return out
}

func main() {
	cfg := config.Load()

	var level slog.Level
	switch config.ParseLogLevel(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Starting swarmgate coordination core")

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"shard_count", cfg.ShardCount,
		"buffer_capacity", cfg.BufferCapacity(),
		"kill_latency_budget", cfg.KillLatencyBudget,
		"agent_count", cfg.AgentCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer, err := model.NewSigner([]byte(cfg.EngagementSecret))
	if err != nil {
		logger.Error("Failed to create signer", "error", err)
		os.Exit(1)
	}

	natsBus, err := bus.ConnectNATS(cfg.NATSURL, logger, nil)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	m := metrics.New()

	var sink audit.Sink
	streamSink, err := audit.NewStreamSink(natsBus.Conn(), logger)
	if err != nil {
		logger.Warn("Durable audit stream unavailable, falling back to memory sink", "error", err)
		sink = audit.NewMemorySink()
	} else {
		// The durable append is a network round trip; keep it off the
		// validation and halt paths.
		asyncSink := audit.NewAsyncSink(streamSink, cfg.AuditQueueSize, m, logger)
		defer asyncSink.Close()
		sink = asyncSink
	}

	rules, err := scope.LoadRules(cfg.ScopeRulesPath)
	if err != nil {
		logger.Error("Failed to load scope rules", "path", cfg.ScopeRulesPath, "error", err)
		os.Exit(1)
	}
	store, err := scope.NewStore(rules, sink, logger)
	if err != nil {
		logger.Error("Failed to initialize scope store", "error", err)
		os.Exit(1)
	}
	validator := scope.NewValidator(store, sink, m, logger)
	logger.Info("Scope rules loaded", "path", cfg.ScopeRulesPath)

	receiver, err := bus.NewReceiver(signer, sink, m, logger)
	if err != nil {
		logger.Error("Failed to initialize receiver", "error", err)
		os.Exit(1)
	}

	aggregator, err := bus.NewAggregator(natsBus, receiver, 100000, m, logger)
	if err != nil {
		logger.Error("Failed to initialize aggregation tier", "error", err)
		os.Exit(1)
	}
	if err := aggregator.Start(); err != nil {
		logger.Error("Failed to start aggregation tier", "error", err)
		os.Exit(1)
	}
	defer aggregator.Stop()

	var recorder *emergence.Recorder
	if cfg.HistoryPath != "" {
		recorder = emergence.NewRecorder(receiver)
		if err := recorder.Start(natsBus); err != nil {
			logger.Error("Failed to start history recorder", "error", err)
			os.Exit(1)
		}
		logger.Info("Recording run history", "path", cfg.HistoryPath)
	}

	// Executors run under their own context so the kill switch's sandbox
	// path can force-stop them without tearing down the control plane.
	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()

	frozen := kill.NewFrozen()
	procs := kill.NewProcessRegistry()
	killSwitch := kill.NewSwitch(frozen, signer, natsBus, procs, kill.NewContextSandbox(execCancel),
		cfg.KillLatencyBudget, cfg.SandboxGrace, sink, m, logger)

	pool := agent.NewPool()
	opts := agent.DefaultOptions()
	opts.ThrottleHighWater = cfg.ThrottleHighWater
	opts.ThrottleLowWater = cfg.ThrottleLowWater
	opts.ThrottleInterval = cfg.ThrottleInterval
	opts.Heartbeat = cfg.AgentHeartbeat

	roles := []string{agent.RoleRecon, agent.RoleExploit, agent.RolePostExploit}
	executor := agent.ExecutorFunc(func(ctx context.Context, a *model.AgentAction) (map[string]any, error) {
		// Execution is performed by an external collaborator; the core
		// only records that the dispatch happened.
		return map[string]any{"dispatched": true}, nil
	})
	var publishers []*bus.Publisher
	for i := 0; i < cfg.AgentCount; i++ {
		role := roles[i%len(roles)]
		id := fmt.Sprintf("%s-%d", role, i)
		spec, err := agent.NewSpecialist(role, id, nil)
		if err != nil {
			logger.Error("Failed to create specialist", "role", role, "error", err)
			os.Exit(1)
		}
		publisher := bus.NewPublisher(natsBus, signer, cfg.BufferCapacity(), cfg.ShardCount, sink, m, logger)
		publishers = append(publishers, publisher)
		agentOpts := opts
		agentOpts.OnTerminate = func() { procs.Deregister(id) }
		a := agent.New(id, spec, frozen, validator, store, publisher, natsBus, receiver, executor, agentOpts, m, logger)
		procs.Register(a)
		pool.Add(a)
	}
	natsBus.SetReconnectHook(func() {
		for _, p := range publishers {
			p.Flush()
		}
	})
	logger.Info("Agent pool ready", "agents", cfg.AgentCount)

	server := api.New(frozen, killSwitch, store, natsBus, poolStatuses{pool}, func() bool {
		return natsBus.Connected()
	}, logger)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler()}
	go func() {
		logger.Info("Control-plane server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Control-plane server failed", "error", err)
			cancel()
		}
	}()

	go pool.Run(execCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	httpServer.Shutdown(context.Background())
	if recorder != nil {
		recorder.Stop()
		if err := emergence.SaveHistory(recorder.History(), cfg.HistoryPath); err != nil {
			logger.Error("Failed to save run history", "path", cfg.HistoryPath, "error", err)
		} else {
			logger.Info("Run history saved", "path", cfg.HistoryPath)
		}
	}
	logger.Info("Shutdown complete")
}
