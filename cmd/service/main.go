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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/metar-service/internal/cache"
	"github.com/kjstillabower/metar-service/internal/circuitbreaker"
	"github.com/kjstillabower/metar-service/internal/client"
	"github.com/kjstillabower/metar-service/internal/config"
	httphandler "github.com/kjstillabower/metar-service/internal/http"
	"github.com/kjstillabower/metar-service/internal/lifecycle"
	"github.com/kjstillabower/metar-service/internal/metar"
	"github.com/kjstillabower/metar-service/internal/observability"
	"github.com/kjstillabower/metar-service/internal/publish"
	"github.com/kjstillabower/metar-service/internal/service"
)

const (
	inFlightCheckInterval = 100 * time.Millisecond
	warmTimeout           = 30 * time.Second
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if cfg.LogLevel != "" {
		if l, err := observability.NewLoggerWithLevel(cfg.LogLevel); err == nil {
			logger = l
		}
	}
	defer func() { _ = logger.Sync() }()

	noaaClient, err := client.NewNOAAClientWithRetry(
		cfg.MetarURL,
		cfg.FetchTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("noaa client", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "noaa",
			IsFailure:        client.IsBreakerFailure,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		noaaClient.SetCircuitBreaker(breaker)
		observability.CircuitBreakerState.WithLabelValues("noaa").Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	cacheSvc, memcacheCloser, err := newCache(cfg)
	if err != nil {
		logger.Fatal("cache", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))

	metarService := service.NewMetarService(noaaClient, cacheSvc, metar.NewDecoder(logger), cfg.CacheTTL, cfg.StaleCacheTTL)
	metarService.SetFetchTimeout(cfg.RequestTimeout)

	var publisher *publish.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = publish.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaWriteTimeout, logger)
		metarService.SetPublisher(publisher)
		logger.Info("kafka publishing enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	healthConfig := newHealthConfig(cfg, memcacheCloser, breaker)

	limiter := newLimiter(cfg)
	handler := httphandler.NewHandler(metarService, healthConfig, logger)

	if len(cfg.TrackedStations) > 0 {
		observability.SetTrackedStations(cfg.TrackedStations)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.WarmStations) > 0 {
		warmer := cache.NewCacheWarmer(metarService, logger, nil, cfg.WarmConcurrency)
		warmCtx, warmCancel := context.WithTimeout(ctx, warmTimeout)
		if err := warmer.Warm(warmCtx, cfg.WarmStations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(ctx, cfg.WarmStations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	router := httphandler.NewRouter(handler, logger, limiter, cfg.RequestTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.MarkShuttingDown("signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka close", zap.Error(err))
		}
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newCache builds the configured backend. The memcached handle is also
// returned so main can ping and close it; it is nil for in_memory.
func newCache(cfg *config.Config) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		return mc, mc, nil
	case "in_memory", "":
		return cache.NewInMemoryCache(nil, cfg.StaleCacheTTL), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// newLimiter returns nil when rate limiting is disabled (rps 0).
func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
}

// newHealthConfig maps config thresholds onto the health handler and attaches
// the optional cache ping and breaker state probes.
func newHealthConfig(cfg *config.Config, mc *cache.MemcachedCache, breaker *circuitbreaker.CircuitBreaker) *httphandler.HealthConfig {
	hc := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
	}
	if mc != nil {
		hc.CachePing = mc.Ping
	}
	if breaker != nil {
		hc.UpstreamState = func() string { return breaker.State().String() }
	}
	return hc
}
