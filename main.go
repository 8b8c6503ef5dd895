package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quarry-lab/conductor/internal/archive"
	"github.com/quarry-lab/conductor/internal/auth"
	"github.com/quarry-lab/conductor/internal/circuitbreaker"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/datascience"
	"github.com/quarry-lab/conductor/internal/export"
	"github.com/quarry-lab/conductor/internal/files"
	"github.com/quarry-lab/conductor/internal/health"
	"github.com/quarry-lab/conductor/internal/httpapi"
	"github.com/quarry-lab/conductor/internal/indexer"
	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/planner"
	"github.com/quarry-lab/conductor/internal/sandbox"
	"github.com/quarry-lab/conductor/internal/session"
	"github.com/quarry-lab/conductor/internal/store"
	"github.com/quarry-lab/conductor/internal/subgraph"
	"github.com/quarry-lab/conductor/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (defaults to CONFIG_PATH)")
	exportDir := flag.String("export-dir", "/var/lib/conductor/exports", "directory for export bundles")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("initialize tracing", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	st := store.New(rdb, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		logger.Warn("redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	breakers := circuitbreaker.NewRegistry()

	var archiveClient *archive.Client
	if cfg.Database.Enabled {
		dbBreaker := breakerFor("database", cfg.CircuitBreakers.Database, breakers, logger)
		archiveClient, err = archive.NewClient(cfg.Database, dbBreaker, logger)
		if err != nil {
			logger.Fatal("connect archive database", zap.Error(err))
		}
		defer archiveClient.Close()
	}

	models, err := llm.NewRegistry(cfg.Providers, logger)
	if err != nil {
		logger.Fatal("configure model providers", zap.Error(err))
	}

	tokens := auth.New(cfg.Auth)

	var index *indexer.Service
	if cfg.Indexer.Enabled {
		index, err = buildIndexer(cfg, breakers, logger)
		if err != nil {
			logger.Fatal("configure document indexer", zap.Error(err))
		}
	}

	var fileIndexer files.Indexer
	if index != nil {
		fileIndexer = index
	}
	fileSvc := files.New(cfg.Files, st, fileIndexer, tokens, logger)
	defer fileSvc.Close()

	exportSvc := export.New(cfg.Export, st, tokens, *exportDir, logger)
	defer exportSvc.Close()

	sbBreaker := breakerFor("sandbox", cfg.CircuitBreakers.Sandbox, breakers, logger)
	sbClient := sandbox.NewClient(cfg.Sandbox.BaseURL, cfg.Sandbox.RequestTimeout, sbBreaker, logger)
	sandboxes := sandbox.NewManager(sbClient, st, cfg.Sandbox, logger)

	subgraphs := subgraph.NewRegistry()
	dsBuilder := datascience.NewBuilder(cfg, models, sandboxes, st, logger)
	if index != nil {
		dsBuilder.WithDocSearch(index)
	}
	subgraphs.Register(dsBuilder.Factory())

	pl := planner.New(cfg, models, st, logger)

	sessions := session.NewManager(cfg, st, fileSvc, subgraphs, pl, sandboxes, logger).
		WithArchive(archiveClient)
	sessions.Start()
	defer sessions.Stop()

	checks := health.NewManager(logger)
	checks.Register(&health.PingChecker{
		ComponentName: "redis",
		Critical:      true,
		DegradedAfter: 500 * time.Millisecond,
		Ping:          st.Ping,
	})
	if archiveClient != nil {
		checks.Register(&health.PingChecker{
			ComponentName: "archive",
			Ping:          archiveClient.Ping,
		})
	}
	checks.Register(&health.BreakerChecker{Registry: breakers})

	public := http.NewServeMux()
	httpapi.NewServer(fileSvc, exportSvc, tokens, sessions, st, logger).Routes(public)
	publicSrv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:        public,
		ReadTimeout:    cfg.Service.ReadTimeout,
		WriteTimeout:   cfg.Service.WriteTimeout,
		MaxHeaderBytes: cfg.Service.MaxHeaderBytes,
	}

	var adminSrv *http.Server
	if cfg.Service.AdminEnabled {
		adminMux := http.NewServeMux()
		httpapi.NewAdmin(tokens, checks, sessions, breakers, logger).Routes(adminMux)
		adminSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Service.AdminPort),
			Handler:      adminMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Service.Port))
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public server: %w", err)
		}
	}()
	if adminSrv != nil {
		go func() {
			logger.Info("admin listening", zap.Int("port", cfg.Service.AdminPort))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("public server shutdown", zap.Error(err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	sandboxes.CleanupAll(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildLogger maps the logging config onto a zap production or console
// logger.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// breakerFor builds and registers a named breaker, or returns nil when the
// breaker is disabled so callers fall through to unguarded requests.
func breakerFor(name string, cfg config.CircuitBreakerConfig, reg *circuitbreaker.Registry, logger *zap.Logger) *circuitbreaker.Breaker {
	if !cfg.Enabled {
		return nil
	}
	br := circuitbreaker.New(name, circuitbreaker.FromSettings(cfg.MaxRequests, cfg.Interval, cfg.Timeout, cfg.MaxFailures), logger)
	reg.Register(br)
	return br
}

func buildIndexer(cfg *config.Config, breakers *circuitbreaker.Registry, logger *zap.Logger) (*indexer.Service, error) {
	providerID := cfg.Indexer.Provider
	if providerID == "" {
		providerID = cfg.Providers.Default
	}
	provider, ok := cfg.Providers.Entries[providerID]
	if !ok {
		return nil, fmt.Errorf("indexer provider %q not configured", providerID)
	}
	embedder, err := indexer.NewOpenAIEmbedder(provider, cfg.Indexer.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	qdrantBreaker := circuitbreaker.New("qdrant", circuitbreaker.DefaultConfig(), logger)
	breakers.Register(qdrantBreaker)
	qd := indexer.NewQdrant(cfg.Indexer.QdrantURL, cfg.Indexer.Collection, cfg.Indexer.Timeout, qdrantBreaker, logger)
	return indexer.New(cfg.Indexer, embedder, qd, logger), nil
}
