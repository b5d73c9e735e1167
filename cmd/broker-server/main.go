package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Shin0205go/mcp-tool-builder/internal/broker"
	"github.com/Shin0205go/mcp-tool-builder/internal/catalog"
	"github.com/Shin0205go/mcp-tool-builder/internal/config"
	"github.com/Shin0205go/mcp-tool-builder/internal/embed"
	"github.com/Shin0205go/mcp-tool-builder/internal/executor"
	"github.com/Shin0205go/mcp-tool-builder/internal/storage"
	"github.com/Shin0205go/mcp-tool-builder/internal/transport"
)

func main() {
	// Config from env
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting broker server",
		zap.String("port", cfg.Port),
		zap.String("trusted_origin", cfg.TrustedOrigin),
		zap.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		zap.Int("request_timeout_ms", cfg.RequestTimeoutMs),
		zap.Bool("idempotency_enabled", cfg.IdempotencyEnabled),
	)

	// Storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Catalog — Postgres if DSN provided, otherwise in-memory
	var cat catalog.Catalog
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		cat = catalog.NewPostgresCatalog(catalog.PostgresCatalogConfig{
			DB:       db,
			CacheTTL: time.Duration(cfg.CatalogCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("postgres catalog connected")
	} else {
		mem := catalog.NewMemoryCatalog()
		mem.Put(&catalog.ToolSpec{
			Name:        "system.ping",
			Description: "liveness probe for generated dashboards",
			UITool:      false,
		})
		cat = mem
		logger.Info("no POSTGRES_DSN set, using in-memory catalog")
	}

	// Executor registry — generated backends register their tools here.
	registry := executor.NewRegistry(cat, logger)
	registerBuiltinTools(registry)

	// Broker defaults shared by all sessions.
	brokerCfg := broker.Config{
		TrustedOrigin:      cfg.TrustedOrigin,
		AllowedTools:       cfg.AllowedTools,
		MaxConcurrentJobs:  cfg.MaxConcurrentJobs,
		RequestTimeout:     cfg.RequestTimeout(),
		IdempotencyEnabled: cfg.IdempotencyEnabled,
		IdempotencyTTL:     cfg.IdempotencyTTL(),
	}
	if err := brokerCfg.Validate(); err != nil {
		logger.Fatal("invalid broker config", zap.Error(err))
	}

	var classifier broker.Classifier
	if len(cfg.LongRunningPatterns) > 0 {
		classifier = broker.SubstringClassifier(cfg.LongRunningPatterns)
	}

	hub := transport.NewHub(logger)
	orch, err := embed.NewOrchestrator(registry, hub, embed.Options{
		Broker:       brokerCfg,
		LongRunning:  classifier,
		Events:       writer,
		Catalog:      cat,
		NeedTimeout:  cfg.NeedTimeout(),
		ReadyTimeout: cfg.ReadyTimeout(),
	}, logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}

	api := transport.NewAPI(orch, hub, cfg.TrustedOrigin, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("broker server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

// registerBuiltinTools installs the tools every deployment carries.
func registerBuiltinTools(registry *executor.Registry) {
	_ = registry.Register("system.ping", executor.Entry{
		Description: "liveness probe for generated dashboards",
		Handler: func(_ context.Context, _ map[string]any, _ executor.CallContext) (any, error) {
			return map[string]any{"pong": true, "at": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	})
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
