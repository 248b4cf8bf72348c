// Package main provides the outbox relay service entry point. It forwards
// booking events recorded in the outbox table to Redpanda.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/config"
	"github.com/swiftcare/booking-engine/internal/infrastructure/postgres"
	"github.com/swiftcare/booking-engine/internal/infrastructure/redpanda"
	"github.com/swiftcare/booking-engine/internal/observability/logging"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
	"github.com/swiftcare/booking-engine/internal/observability/tracing"
)

const (
	statsInterval = 15 * time.Second
	cleanupAge    = 7 * 24 * time.Hour
	metricsAddr   = ":9101"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flushTraces, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "outbox-relay",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampling,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer flushTraces()

	m := metrics.New(prometheus.DefaultRegisterer)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	brokers := cfg.Brokers()
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx, cfg.KafkaReplication); err != nil {
		logger.Warn("failed to ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("producer creation failed: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)
	outbox.Start()
	defer outbox.Stop()

	go serveMetrics(ctx, logger)
	watchOutbox(ctx, outbox, m, logger)

	logger.Info("shutting down")
	return nil
}

// watchOutbox exports the pending gauge and purges old processed entries
// until ctx is done.
func watchOutbox(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	lastCleanup := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Warn("failed to read outbox stats", zap.Error(err))
			continue
		}
		m.SetOutboxPending(int(stats.Pending))
		if stats.OldestPending != nil && time.Since(*stats.OldestPending) > time.Minute {
			logger.Warn("outbox lagging",
				zap.Int64("pending", stats.Pending),
				zap.Time("oldest", *stats.OldestPending))
		}

		if time.Since(lastCleanup) > time.Hour {
			lastCleanup = time.Now()
			n, err := outbox.CleanupProcessed(ctx, cleanupAge)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
		}
	}
}

func serveMetrics(ctx context.Context, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
