package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/metar-service/internal/models"
	"github.com/kjstillabower/metar-service/internal/observability"
)

// ObservationFetcher is implemented by the service layer to fetch a station's observation.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type ObservationFetcher interface {
	GetObservation(ctx context.Context, station string) (models.Observation, error)
}

// CacheWarmer warms the cache by prefetching observations for a list of stations.
type CacheWarmer struct {
	fetcher     ObservationFetcher
	logger      *zap.Logger
	clock       clockwork.Clock
	concurrency int
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher ObservationFetcher, logger *zap.Logger, clock clockwork.Clock, concurrency int) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, clock: clock, concurrency: concurrency}
}

// Warm fetches each station concurrently and populates the cache via the fetcher.
// Every station is attempted; failures are joined into one error.
func (w *CacheWarmer) Warm(ctx context.Context, stations []string) error {
	start := w.clock.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("stations", len(stations)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, station := range stations {
		station := station
		g.Go(func() error {
			if _, err := w.fetcher.GetObservation(gctx, station); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", station, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := w.clock.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete", zap.Int("stations", len(stations)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, stations []string, interval time.Duration) error {
	if err := w.Warm(ctx, stations); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := w.Warm(ctx, stations); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
