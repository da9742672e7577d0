package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/alert"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/api"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/clock"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/config"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/hierarchy"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/metrics"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/orchestrator"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/performance"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/project"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/resource"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/store"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Default()
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/orchestrator.json"
	}
	var cfgErr error
	if _, err := os.Stat(cfgPath); err == nil {
		var loaded *config.Config
		if loaded, cfgErr = config.Load(cfgPath); cfgErr == nil {
			cfg = loaded
		}
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	if cfgErr != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(cfgErr))
	}
	logger.Info("Starting workflow orchestrator", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry unavailable, tracing disabled", zap.Error(err))
	}

	// Persistence
	st, err := store.Open(ctx, cfg.Database.Store, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.Database.Store.Driver), zap.Error(err))
	}

	// Hierarchy mirror requires Neo4j
	var graph *hierarchy.Store
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := hierarchy.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr == nil {
			gErr = g.EnsureSchema(ctx)
		}
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without hierarchy mirror", zap.Error(gErr))
		} else {
			graph = g
		}
	}

	// Event bus: in-process recorder served by the events endpoint, plus
	// Redis streams when configured
	recorder := orchestrator.NewRecorder(1000)
	var bus orchestrator.Publisher = recorder
	var redisBus *orchestrator.RedisBus
	if cfg.Database.Redis.URL != "" {
		rb, busErr := orchestrator.NewRedisBus(cfg.Database.Redis.URL, cfg.Database.Redis.Stream, cfg.Database.Redis.MaxLen, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, events stay in process", zap.Error(busErr))
		} else {
			redisBus = rb
			bus = orchestrator.Fanout(recorder, rb)
		}
	}

	policy := cfg.Policy
	monitor := performance.New(policy.Monitor(), logger)
	mc := metrics.NewCollector("orchestrator", logger)

	regOpts := []agent.Option{agent.WithSuccessRater(monitor)}
	if graph != nil {
		regOpts = append(regOpts, agent.WithMirror(graph))
	}
	registry := agent.NewRegistry(policy.Matching, logger, regOpts...)
	if err := loadAgents(ctx, registry, st, cfg.CrewsFile, logger); err != nil {
		logger.Fatal("failed to load agents", zap.Error(err))
	}
	mc.SetAgentsRegistered(registry.Count())

	resources := resource.NewManager(policy.Resource(), logger)

	// Alerts
	alerts := alert.NewBroadcaster(cfg.Alerts.Cooldown.Duration(), logger)
	if cfg.Alerts.Slack.Enabled {
		n, nErr := alert.NewSlackNotifier(cfg.Alerts.Slack.SlackConfig, logger)
		if nErr != nil {
			logger.Fatal("invalid slack alert config", zap.Error(nErr))
		}
		alerts.Register(n)
	}
	if cfg.Alerts.Discord.Enabled {
		n, nErr := alert.NewDiscordNotifier(cfg.Alerts.Discord.DiscordConfig, logger)
		if nErr != nil {
			logger.Fatal("invalid discord alert config", zap.Error(nErr))
		}
		alerts.Register(n)
	}
	resources.SetSink(alerts)

	projects := project.NewManager(orchestrator.Deps{
		Registry:  registry,
		Resources: resources,
		Monitor:   monitor,
		Handler:   failure.NewHandler(policy.Failure(), logger),
		Executor:  agent.NewHTTPExecutor(cfg.Executor.Timeout.Duration(), cfg.Executor.Token, logger),
		Store:     st,
		Bus:       bus,
		Metrics:   mc,
	}, policy.Orchestrator(), logger)

	recovered, err := projects.Recover(ctx)
	if err != nil {
		logger.Error("workflow recovery incomplete", zap.Error(err))
	}
	logger.Info("Recovered workflows", zap.Int("count", recovered))

	// Periodic maintenance
	clk := clock.New(policy.Scheduling.ClockInterval.Duration(), logger)
	clk.AddListener(resources)
	clk.AddListener(monitor)
	clk.AddListener(&clock.Gauges{
		Resources: resources,
		Agents:    registry,
		Set: func(u float64, n int) {
			mc.SetResourceUtilization(u)
			mc.SetAgentsRegistered(n)
		},
	})
	clk.AddListener(clock.NewDigest(cfg.Alerts.DigestInterval.Duration(), monitor, resources, alerts, cfg.Alerts.Summary, logger))
	clk.Start()

	handler := api.NewHandler(api.Deps{
		Projects:    projects,
		Registry:    registry,
		Store:       st,
		Resources:   resources,
		Monitor:     monitor,
		Alerts:      alerts,
		Metrics:     mc,
		Events:      recorder,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Orchestrator listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down workflow orchestrator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	clk.Stop()
	if err := projects.Close(shutdownCtx); err != nil {
		logger.Warn("workflows still running at shutdown", zap.Error(err))
	}
	alerts.Close()
	monitor.Close()
	if redisBus != nil {
		redisBus.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if err := st.Close(); err != nil {
		logger.Warn("store close", zap.Error(err))
	}
	tp.Shutdown(shutdownCtx)
}

// loadAgents registers the configured crews, then any agent created through
// the API in an earlier run. Crew agents are written back so the store
// holds the full roster.
func loadAgents(ctx context.Context, reg *agent.Registry, st store.Store, crewsFile string, logger *zap.Logger) error {
	if crewsFile != "" {
		crews, err := config.LoadCrews(crewsFile)
		if err != nil {
			return err
		}
		if err := reg.RegisterAll(config.CrewAgents(crews)); err != nil {
			return fmt.Errorf("register crews: %w", err)
		}
		logger.Info("Loaded crews", zap.Int("crews", len(crews)), zap.Int("agents", reg.Count()))
	}

	persisted, err := st.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list persisted agents: %w", err)
	}
	var extra []*agent.Agent
	for _, a := range persisted {
		if _, ok := reg.Get(a.ID); !ok {
			extra = append(extra, a)
		}
	}
	if err := reg.RegisterAll(extra); err != nil {
		return fmt.Errorf("register persisted agents: %w", err)
	}
	if len(extra) > 0 {
		logger.Info("Loaded agents from store", zap.Int("count", len(extra)))
	}

	for _, a := range reg.List() {
		if err := st.SaveAgent(ctx, a); err != nil {
			logger.Warn("persist agent failed", zap.String("agent", a.ID), zap.Error(err))
		}
	}
	return nil
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
