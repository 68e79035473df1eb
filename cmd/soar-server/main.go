// Package main is the entry point for the SOAR playbook engine service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boundary-soar/internal/approval"
	"boundary-soar/internal/cache"
	"boundary-soar/internal/config"
	"boundary-soar/internal/encryption"
	soarerrors "boundary-soar/internal/errors"
	"boundary-soar/internal/kafka"
	"boundary-soar/internal/logging"
	"boundary-soar/internal/middleware"
	"boundary-soar/internal/playbook"
	"boundary-soar/internal/secrets"
	"boundary-soar/internal/soar"
	"boundary-soar/internal/startup"
	"boundary-soar/internal/storage"
	"boundary-soar/internal/storage/s3"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretManager, err := secrets.NewManager(cfg.Secrets, logger)
	if err != nil {
		logger.Error("failed to initialize secrets", "error", err)
		os.Exit(1)
	}
	if err := cfg.ResolveSecrets(ctx, secretManager); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	soarerrors.SetProductionMode(cfg.Server.Production)

	diagnostics := startup.NewDiagnostics(cfg, configPath(), logger)
	diagnostics.RunAll(ctx)
	if diagnostics.HasErrors() && cfg.Server.Production {
		logger.Error("refusing to start with failed diagnostics in production mode")
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"failure_policy", cfg.Engine.FailurePolicy,
		"kafka_enabled", cfg.Kafka.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"cache_enabled", cfg.Cache.Enabled,
	)

	// Playbooks
	registry := playbook.NewRegistry(logger)
	if cfg.Playbooks.LoadBuiltIns {
		if err := registry.RegisterBuiltIns(); err != nil {
			logger.Error("failed to register built-in playbooks", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Playbooks.Dir != "" {
		n, err := registry.LoadDir(cfg.Playbooks.Dir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("playbook directory not found", "dir", cfg.Playbooks.Dir)
		case err != nil:
			logger.Error("failed to load playbooks", "dir", cfg.Playbooks.Dir, "error", err)
			os.Exit(1)
		default:
			logger.Info("playbooks loaded", "dir", cfg.Playbooks.Dir, "count", n)
		}
	}

	// Kafka producer for the command bus
	var producer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Integrations.CommandBus.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka.Config, logger)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
	}

	router := buildRouter(cfg.Integrations, producer, logger)

	gate := approval.NewGate(
		approval.Config{DefaultExpiry: cfg.Approvals.DefaultExpiry},
		approval.StaticDirectory(cfg.Approvals.ApproverLevels()),
		logger,
	)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := soar.NewMetrics(promRegistry)

	engine := soar.NewEngine(soar.Config{
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		MaxConcurrentActions:    cfg.Engine.MaxConcurrentActions,
		FailurePolicy:           soar.FailurePolicy(cfg.Engine.FailurePolicy),
		ApprovalSweepInterval:   cfg.Approvals.SweepInterval,
		PurgeAfter:              cfg.Engine.PurgeAfter,
		PurgeInterval:           cfg.Engine.PurgeInterval,
	}, registry, gate, router, metrics, logger)

	handler := soar.NewHandler(engine, promRegistry, logger)

	// Execution sinks
	sinks, err := startSinks(ctx, cfg, engine, logger)
	if err != nil {
		logger.Error("failed to start execution sinks", "error", err)
		os.Exit(1)
	}
	handler.WithHistory(sinks.history()...)

	engine.Start(ctx)

	// Kafka trigger consumer
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled && cfg.Kafka.EventsTopic != "" {
		consumer, err = kafka.NewConsumer(cfg.Kafka.Config, kafka.TriggerHandler(engine, logger), logger)
		if err != nil {
			logger.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(ctx); err != nil {
			logger.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
		logger.Info("consuming trigger events", "topic", cfg.Kafka.EventsTopic, "group", cfg.Kafka.ConsumerGroup)
	}

	// HTTP
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	rateLimit := middleware.NewRateLimit(cfg.RateLimit, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      middleware.SecurityHeaders(cfg.SecurityHeaders)(rateLimit.Middleware(mux)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting SOAR server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	rateLimit.Stop()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("kafka consumer stop error", "error", err)
		}
	}

	// Running executions are cancelled before the sinks drain so their
	// final snapshots are written.
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("engine stop error", "error", err)
	}
	cancel()
	sinks.close(shutdownCtx, logger)

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka producer close error", "error", err)
		}
	}

	stats := engine.Stats()
	logger.Info("shutdown complete",
		"executions", stats.TotalExecutions,
		"pending_approvals", stats.PendingApprovals,
	)
}

// configPath mirrors the lookup in config.Load.
func configPath() string {
	if p := os.Getenv("SOAR_CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// sinks holds the execution observers backed by external stores.
type sinks struct {
	clickhouse *storage.ClickHouseClient
	audit      *storage.AuditWriter
	archiver   *s3.ReportArchiver
	redis      *cache.GoRedisClient
	snapshots  *cache.SnapshotCache
}

func startSinks(ctx context.Context, cfg *config.Config, engine *soar.Engine, logger *slog.Logger) (*sinks, error) {
	s := &sinks{}

	if cfg.Storage.Enabled {
		logger.Info("initializing ClickHouse audit trail",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		client, err := storage.NewClickHouseClient(ctx, cfg.Storage.ClickHouse)
		if err != nil {
			return nil, err
		}
		s.clickhouse = client

		if err := storage.NewMigrator(client, logger).Run(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		if err := storage.NewRetentionManager(client, cfg.Storage.Retention, logger).ApplyTTLs(ctx); err != nil {
			logger.Warn("failed to apply retention policies", "error", err)
		}

		s.audit = storage.NewAuditWriter(client, cfg.Storage.AuditWriter, logger)
		engine.AddObserver(s.audit)
	}

	if cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, cfg.Archive.S3, logger)
		if err != nil {
			s.close(ctx, logger)
			return nil, err
		}
		s.archiver = s3.NewReportArchiver(client, cfg.Archive.Archiver, logger)
		if cfg.Archive.Encryption.Enabled {
			sealer, err := encryption.NewEngine(cfg.Archive.Encryption, logger)
			if err != nil {
				s.close(ctx, logger)
				return nil, fmt.Errorf("report encryption: %w", err)
			}
			s.archiver.WithSealer(sealer)
		}
		engine.AddObserver(s.archiver)
		logger.Info("archiving execution reports",
			"bucket", cfg.Archive.S3.Bucket,
			"encrypted", cfg.Archive.Encryption.Enabled,
		)
	}

	if cfg.Cache.Enabled {
		client, err := cache.NewGoRedisClient(ctx, cfg.Cache.Redis)
		if err != nil {
			s.close(ctx, logger)
			return nil, err
		}
		s.redis = client
		s.snapshots = cache.NewSnapshotCache(client, cfg.Cache.Snapshots, logger)
		engine.AddObserver(s.snapshots)
		logger.Info("caching execution snapshots", "addr", cfg.Cache.Redis.Addr)
	}

	return s, nil
}

// history returns the sources for executions purged from memory, cheapest
// first.
func (s *sinks) history() []soar.ExecutionSource {
	var out []soar.ExecutionSource
	if s.snapshots != nil {
		out = append(out, s.snapshots)
	}
	if s.archiver != nil {
		out = append(out, s.archiver)
	}
	return out
}

func (s *sinks) close(ctx context.Context, logger *slog.Logger) {
	if s.audit != nil {
		if err := s.audit.Close(ctx); err != nil {
			logger.Error("audit writer close error", "error", err)
		}
		m := s.audit.Metrics()
		logger.Info("audit metrics", "written", m.Written, "failed", m.Failed, "dropped", m.Dropped, "batches", m.Batches)
	}
	if s.clickhouse != nil {
		if err := s.clickhouse.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Close(ctx); err != nil {
			logger.Error("report archiver close error", "error", err)
		}
	}
	if s.snapshots != nil {
		if err := s.snapshots.Close(ctx); err != nil {
			logger.Error("snapshot cache close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}
}
