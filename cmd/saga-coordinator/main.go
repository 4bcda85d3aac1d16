package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/config"
	"github.com/draftea/order-saga/saga-coordinator/handlers"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build dependencies: %v", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Printf("Error closing dependencies: %v", err)
		}
	}()

	logger := logging.Logger()
	logger.Info("starting saga coordinator",
		zap.String("port", cfg.Port),
		zap.String("broker", cfg.Broker),
		zap.String("database_driver", cfg.Database.Driver),
	)

	// Background workers share the telemetry of the process
	workerCtx := telemetry.WithTelemetry(ctx, deps.Telemetry)
	deps.DispatchOutbox.Start(workerCtx)
	deps.SuperviseTimeouts.Start(workerCtx)

	if err := deps.EventSubscriber.Subscribe(workerCtx, deps.SagaEventHandlers); err != nil {
		logger.Error("failed to subscribe to events", zap.Error(err))
		deps.SuperviseTimeouts.Stop()
		deps.DispatchOutbox.Stop()
		_ = deps.Close()
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down saga coordinator")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// stop intake first so no new state changes race the workers
		if err := deps.EventSubscriber.Close(); err != nil {
			logger.Warn("failed to close event subscriber", zap.Error(err))
		}
		deps.SuperviseTimeouts.Stop()
		// the broker connection is only dropped by deps.Close, once the
		// dispatcher has no publish in flight
		deps.DispatchOutbox.Stop()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("saga coordinator stopped with error", zap.Error(err))
		return
	}
	logger.Info("saga coordinator stopped")
}

func setupRouter(deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// Telemetry middleware (inject telemetry into context)
	if deps.Telemetry != nil {
		r.Use(telemetry.Middleware(deps.Telemetry))
	}

	r.Get("/health", handlers.Health)

	// Metrics endpoint for Prometheus
	r.Handle("/metrics", handlers.NewMetricsHandler())

	deps.SagaHandlers.RegisterRoutes(r)

	return r
}
