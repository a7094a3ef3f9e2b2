package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/transitops/arrivals-proxy/internal/arrivals"
	"github.com/transitops/arrivals-proxy/internal/config"
	httphandler "github.com/transitops/arrivals-proxy/internal/http"
	"github.com/transitops/arrivals-proxy/internal/lifecycle"
	"github.com/transitops/arrivals-proxy/internal/observability"
	"github.com/transitops/arrivals-proxy/internal/store"
	"github.com/transitops/arrivals-proxy/internal/upstream"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if cfg.TransitAPIKey == "" {
		logger.Warn("no transit API credential configured; /arrivals will return Missing credential")
	}

	fetcher, err := upstream.NewClient(cfg.TransitAPIURL, cfg.TransitAPITimeout)
	if err != nil {
		logger.Fatal("upstream client", zap.Error(err))
	}

	var snapStore store.Store
	var memcacheCloser *store.MemcachedStore
	switch cfg.StoreBackend {
	case "memcached":
		mc, err := store.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.MaxSnapshotAge)
		if err != nil {
			logger.Fatal("memcached store", zap.Error(err))
		}
		memcacheCloser = mc
		snapStore = mc
		logger.Info("snapshot store: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		snapStore = store.NewMemoryStore()
		logger.Info("snapshot store: in_memory")
	}

	manager := arrivals.New(fetcher, snapStore, arrivals.Options{
		TTL:           cfg.CacheTTL,
		RetryInterval: cfg.RetryInterval,
		Logger:        logger,
	})

	if cfg.WarmOnStart && cfg.TransitAPIKey != "" {
		if err := manager.Prime(cfg.TransitAPIKey); err != nil {
			logger.Warn("cache warm failed", zap.Error(err))
		} else {
			logger.Info("cache warmed")
		}
	}

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	if memcacheCloser != nil {
		healthConfig.StorePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(manager, cfg.TransitAPIKey, healthConfig, logger)

	observability.RegisterTrafficGauges(cfg.DegradedWindow)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	arrivalsRouter := router.PathPrefix("/arrivals").Subrouter()
	arrivalsRouter.Use(httphandler.RateLimitMiddleware(limiter))
	arrivalsRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	arrivalsRouter.HandleFunc("", handler.GetArrivals).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	manager.Close()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
