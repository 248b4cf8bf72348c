// Package main provides the notification service entry point. It consumes
// booking events and emails the booking's user.
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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/config"
	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/infrastructure/mongostore"
	"github.com/swiftcare/booking-engine/internal/infrastructure/postgres"
	"github.com/swiftcare/booking-engine/internal/infrastructure/redpanda"
	"github.com/swiftcare/booking-engine/internal/notify"
	"github.com/swiftcare/booking-engine/internal/observability/logging"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
	"github.com/swiftcare/booking-engine/internal/observability/tracing"
	"github.com/swiftcare/booking-engine/pkg/circuitbreaker"
	"github.com/swiftcare/booking-engine/pkg/idempotency"
)

const (
	metricsAddr     = ":9102"
	lagPollInterval = 30 * time.Second
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
		logger.Fatal("notification service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flushTraces, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "notification-service",
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
	breakers := circuitbreaker.NewManager(logger)

	var (
		dir   directory.Directory
		inbox notify.Inbox
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		dir = postgres.NewDirectory(pool)

		inboxCfg := idempotency.DefaultInboxConfig()
		inboxCfg.IsTerminal = notify.IsTerminal
		pgInbox := idempotency.NewInbox(pool, inboxCfg, logger)
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer client.Disconnect(context.Background()) //nolint:errcheck
		dir = mongostore.NewDirectory(client.Database(cfg.MongoDatabase))
		logger.Warn("no idempotency inbox for mongo, redelivered events are mailed again")
	default:
		return fmt.Errorf("notification service needs a postgres or mongo directory, got %q", cfg.StoreDriver)
	}

	dirBreaker, err := breakers.GetOrCreate("user-directory", directory.BreakerConfig())
	if err != nil {
		return err
	}
	dir = directory.NewGuarded(dir, dirBreaker)

	var mailer notify.Mailer
	if cfg.SMTPEnabled() {
		smtpBreaker, err := breakers.GetOrCreate("smtp", circuitbreaker.DefaultConfig("smtp"))
		if err != nil {
			return err
		}
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, smtpBreaker)
		logger.Info("smtp delivery enabled", zap.String("host", cfg.SMTPHost))
	} else {
		mailer = notify.NewLogMailer(logger)
		logger.Info("SMTP_HOST not set, emails are logged")
	}

	notifier := notify.NewNotifier(dir, mailer, inbox, m, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.IsTerminal = notify.IsTerminal

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		ev, err := redpanda.DecodeEvent(msg)
		if err != nil {
			logger.Warn("skipping malformed record",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		return notifier.Handle(ctx, ev)
	}, logger, redpanda.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("consumer creation failed: %w", err)
	}
	consumer.Start()
	logger.Info("notification service started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	admin, err := redpanda.NewAdmin(consumerCfg.Brokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	go reportLag(ctx, admin, consumerCfg.GroupID, m, logger)

	go serveMetrics(ctx, logger)
	<-ctx.Done()

	logger.Info("shutting down")
	consumer.Stop()
	logger.Info("notification service stopped")
	return nil
}

func reportLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(lagPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Debug("consumer lag unavailable", zap.Error(err))
				continue
			}
			m.SetConsumerLag(lag)
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
