package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/config"
	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/domain/booking"
	"github.com/swiftcare/booking-engine/internal/infrastructure/memory"
	"github.com/swiftcare/booking-engine/internal/infrastructure/mongostore"
	"github.com/swiftcare/booking-engine/internal/infrastructure/postgres"
	"github.com/swiftcare/booking-engine/internal/infrastructure/redpanda"
	"github.com/swiftcare/booking-engine/internal/notify"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
)

// backend bundles the storage driver selected by STORE_DRIVER.
type backend struct {
	store booking.Store
	dir   directory.Directory
	// sink receives committed events from the dispatcher.
	sink  notify.Sink
	ready func(ctx context.Context) error
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, logger)
	case config.DriverMongo:
		return openMongo(ctx, cfg, m, logger)
	default:
		return openMemory(cfg, logger), nil
	}
}

// openPostgres writes events to the outbox; the relay forwards them.
func openPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database")

	return &backend{
		store: postgres.NewBookingStore(pool, logger),
		dir:   postgres.NewDirectory(pool),
		sink:  postgres.NewOutboxSink(pool, redpanda.TopicBookingEvents),
		ready: pool.Ping,
		close: pool.Close,
	}, nil
}

// openMongo publishes events straight to Redpanda.
func openMongo(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	disconnect := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		disconnect()
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	store := mongostore.NewStore(db, logger)
	dir := mongostore.NewDirectory(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		disconnect()
		return nil, err
	}
	if err := dir.EnsureIndexes(ctx); err != nil {
		disconnect()
		return nil, err
	}
	logger.Info("connected to mongo", zap.String("database", cfg.MongoDatabase))

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithMetrics(m))
	if err != nil {
		disconnect()
		return nil, err
	}

	return &backend{
		store: store,
		dir:   dir,
		sink:  redpanda.NewEventSink(producer, redpanda.TopicBookingEvents),
		ready: func(ctx context.Context) error {
			if err := client.Ping(ctx, readpref.Primary()); err != nil {
				return err
			}
			return producer.Ping(ctx)
		},
		close: func() {
			producer.Close()
			disconnect()
		},
	}, nil
}

// openMemory keeps everything in process and logs events. The directory
// holds only the users listed under directory_users in config.yaml.
func openMemory(cfg *config.Config, logger *zap.Logger) *backend {
	users := cfg.SeedUsers()
	logger.Warn("using in-memory store, data is lost on restart", zap.Int("seeded_users", len(users)))
	if len(users) == 0 {
		logger.Warn("memory directory is empty, every booking request will fail until directory_users is configured")
	}
	return &backend{
		store: memory.NewStore(),
		dir:   memory.NewDirectory(users...),
		sink:  notify.NewLogSink(logger),
		ready: func(context.Context) error { return nil },
		close: func() {},
	}
}
