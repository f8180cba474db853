package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/normlens/orchestrator/internal/backend"
	"github.com/normlens/orchestrator/internal/config"
	"github.com/normlens/orchestrator/internal/fusion"
	"github.com/normlens/orchestrator/internal/health"
	"github.com/normlens/orchestrator/internal/httpapi"
	"github.com/normlens/orchestrator/internal/intent"
	"github.com/normlens/orchestrator/internal/llm"
	_ "github.com/normlens/orchestrator/internal/metrics" // Import for side effects
	"github.com/normlens/orchestrator/internal/observability"
	"github.com/normlens/orchestrator/internal/orchestrator"
	"github.com/normlens/orchestrator/internal/planner"
	"github.com/normlens/orchestrator/internal/policy"
	"github.com/normlens/orchestrator/internal/profile"
	"github.com/normlens/orchestrator/internal/reflection"
	"github.com/normlens/orchestrator/internal/retrieval"
	"github.com/normlens/orchestrator/internal/session"
	"github.com/normlens/orchestrator/internal/sufficiency"
	"github.com/normlens/orchestrator/internal/synthesis"
	"github.com/normlens/orchestrator/internal/tracing"
)

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without it", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Metrics endpoint comes up first so scrapes work during startup.
	// ------------------------------------------------------------------
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Shared infrastructure: backend resolver, tenant store, sessions.
	// ------------------------------------------------------------------
	resolver := backend.NewResolver(cfg.Backend, logger)

	store, err := profile.NewStore(cfg.Database.DSN(), logger)
	if err != nil {
		log.Fatalf("Failed to open tenant store: %v", err)
	}
	defer store.Close()

	sessions := session.NewManager(cfg.Redis, logger)
	defer sessions.Close()

	loader := profile.NewLoader(cfg.Profile.CartridgeDir, logger)
	if cfg.Profile.HotReload {
		if err := loader.Start(); err != nil {
			logger.Warn("Cartridge hot-reload unavailable", zap.Error(err))
		}
		defer loader.Stop()
	}
	profiles := profile.NewResolver(cfg.Profile, loader, store, logger)

	scopeEngine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// ------------------------------------------------------------------
	// Pipeline stages.
	// ------------------------------------------------------------------
	provider := llm.NewClient(cfg.LLM, logger)
	ragClient := retrieval.NewClient(resolver, nil, logger)
	dispatcher := retrieval.NewDispatcher(ragClient, resolver, cfg.Orchestration.SubQueryTimeout, logger)
	fuser := fusion.NewFuser(int(cfg.Orchestration.FusionK), cfg.Orchestration.ScopePenalty)
	evaluator := sufficiency.NewEvaluator(provider, logger)
	controller := reflection.NewController(dispatcher, fuser, evaluator, logger)

	sink := observability.NewSink(cfg.Orchestration.SinkBuffer, logger)
	defer sink.Close()

	engine := orchestrator.NewEngine(
		profiles,
		intent.NewAnalyzer(store, scopeEngine, logger),
		planner.NewPlanner(cfg.Orchestration.MaxSubQueries, logger, planner.WithProvider(provider)),
		controller,
		synthesis.NewSynthesizer(provider, logger),
		sessions,
		sink,
		cfg.Orchestration,
		logger,
	)

	// ------------------------------------------------------------------
	// Health checks for the readiness endpoint.
	// ------------------------------------------------------------------
	checks := health.NewManager(logger)
	checks.Register("postgres", store.Ping)
	checks.Register("redis", sessions.Ping)
	checks.Register("llm-provider", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.LLM.BaseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("llm provider returned %d", resp.StatusCode)
		}
		return nil
	})
	checks.Register("rag-backend", func(ctx context.Context) error {
		sel := resolver.Resolve(ctx)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sel.BaseURL+cfg.Backend.HealthPath, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("backend %s returned %d", sel.Backend, resp.StatusCode)
		}
		return nil
	})

	server := httpapi.NewServer(engine, profiles, loader, store, sink, checks, cfg.Server.JWTSecret, logger)
	apiSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Orchestration.RunDeadline + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Orchestrator listening", zap.String("addr", cfg.Server.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
