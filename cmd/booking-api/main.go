// Package main provides the booking API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/swiftcare/booking-engine/internal/api/handlers"
	"github.com/swiftcare/booking-engine/internal/api/middleware"
	"github.com/swiftcare/booking-engine/internal/config"
	"github.com/swiftcare/booking-engine/internal/directory"
	"github.com/swiftcare/booking-engine/internal/engine"
	"github.com/swiftcare/booking-engine/internal/matching"
	"github.com/swiftcare/booking-engine/internal/notify"
	"github.com/swiftcare/booking-engine/internal/observability/logging"
	"github.com/swiftcare/booking-engine/internal/observability/metrics"
	"github.com/swiftcare/booking-engine/internal/observability/tracing"
	"github.com/swiftcare/booking-engine/internal/ratelimit"
	"github.com/swiftcare/booking-engine/pkg/circuitbreaker"
)

const serviceName = "booking-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("booking API failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	flushTraces, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
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

	be, err := openBackend(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer be.close()

	breakers := circuitbreaker.NewManager(logger)
	dirBreaker, err := breakers.GetOrCreate("user-directory", directory.BreakerConfig())
	if err != nil {
		return fmt.Errorf("create directory breaker: %w", err)
	}
	dir := directory.NewGuarded(be.dir, dirBreaker)

	services := matching.DefaultServiceMap()
	if len(cfg.ServiceSpecializations) > 0 {
		if services, err = matching.NewServiceMap(cfg.ServiceSpecializations); err != nil {
			return err
		}
	}
	strategy, err := matching.StrategyByName(cfg.SelectionStrategy)
	if err != nil {
		return err
	}
	selector := matching.NewSelector(dir, matching.NewAvailabilityIndex(be.store), services, strategy, logger)

	dispatcher, err := notify.NewDispatcher(be.sink, notify.DefaultDispatcherConfig(), m, logger)
	if err != nil {
		return err
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	opts := []engine.Option{engine.WithMetrics(m)}
	if cfg.RedisAddr != "" && cfg.BookingRateLimit > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		opts = append(opts, engine.WithThrottle(ratelimit.New(rdb, cfg.BookingRateLimit, cfg.BookingRateWindow, logger)))
		logger.Info("booking throttle enabled",
			zap.Int("limit", cfg.BookingRateLimit),
			zap.Duration("window", cfg.BookingRateWindow))
	}

	eng := engine.New(be.store, dir, selector, dispatcher, engine.Config{
		StoreTimeout:      cfg.StoreTimeout,
		CreateMaxAttempts: cfg.CreateMaxAttempts,
		UpdateMaxAttempts: cfg.UpdateMaxAttempts,
	}, logger, opts...)

	bookingHandler := handlers.NewBookingHandler(eng, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOriginList()))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		status := readiness{Breakers: breakers.GetHealthStatus(), Dispatcher: dispatcher.Healthy()}
		code := http.StatusOK
		if err := be.ready(r.Context()); err != nil {
			status.Store = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyList()))
		r.Use(middleware.Actor)
		r.Mount("/bookings", bookingHandler.Routes())
		r.Mount("/consultants", bookingHandler.ConsultantRoutes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting booking API",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("strategy", strategy.Name()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sigChan:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

type readiness struct {
	Store      string                        `json:"store_error,omitempty"`
	Dispatcher bool                          `json:"dispatcher_healthy"`
	Breakers   []circuitbreaker.HealthStatus `json:"breakers"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}

