package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/metar-service/internal/cache"
	"github.com/kjstillabower/metar-service/internal/client"
	"github.com/kjstillabower/metar-service/internal/metar"
	"github.com/kjstillabower/metar-service/internal/models"
	"github.com/kjstillabower/metar-service/internal/observability"
	"github.com/kjstillabower/metar-service/internal/publish"
)

const defaultFetchTimeout = 15 * time.Second

// MetarService orchestrates observation retrieval using cache-aside pattern
// with NOAA fallback. Concurrent misses for one station share a single download.
type MetarService struct {
	client        client.BulletinClient
	cache         cache.Cache
	decoder       *metar.Decoder
	ttl           time.Duration
	staleCacheTTL time.Duration // Maximum age for stale cache fallback (0 = disabled)
	publisher     publish.Publisher
	clock         clockwork.Clock
	group         singleflight.Group
	fetchTimeout  time.Duration
}

// NewMetarService creates a new MetarService with the provided dependencies.
// ttl is the cache expiration for observations; staleCacheTTL is the maximum
// age served after an upstream failure (0 disables stale serving).
func NewMetarService(client client.BulletinClient, cache cache.Cache, decoder *metar.Decoder, ttl, staleCacheTTL time.Duration) *MetarService {
	if decoder == nil {
		decoder = metar.NewDecoder(nil)
	}
	return &MetarService{
		client:        client,
		cache:         cache,
		decoder:       decoder,
		ttl:           ttl,
		staleCacheTTL: staleCacheTTL,
		clock:         clockwork.NewRealClock(),
		fetchTimeout:  defaultFetchTimeout,
	}
}

// SetFetchTimeout bounds one shared download, independent of any single caller.
func (s *MetarService) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		s.fetchTimeout = d
	}
}

// SetPublisher sends every freshly decoded observation to p. Publish failures are logged, not returned.
func (s *MetarService) SetPublisher(p publish.Publisher) {
	s.publisher = p
}

// SetClock replaces the clock used for FetchedAt and stale age.
func (s *MetarService) SetClock(c clockwork.Clock) {
	s.clock = c
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop()
}

// GetObservation returns the latest decoded observation for station.
// Checks cache first, falls back to NOAA on cache miss, and populates cache on success.
func (s *MetarService) GetObservation(ctx context.Context, station string) (models.Observation, error) {
	key := normalizeStation(station)
	start := s.clock.Now()
	logger := loggerFromContext(ctx)
	observability.RecordStationQuery(key)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.String("station", key), zap.Error(err))
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("metar").Inc()
		logger.Debug("observation served", zap.String("station", key), zap.Bool("cached", true), zap.Duration("duration", s.clock.Since(start)))
		return cached, nil
	}

	logger.Debug("cache miss, fetching upstream", zap.String("station", key))

	obs, upstreamErr := s.fetchCoalesced(ctx, key)
	if upstreamErr != nil {
		if stale, ok := s.staleFallback(ctx, key, upstreamErr, logger); ok {
			return stale, nil
		}
		return models.Observation{}, fmt.Errorf("fetch metar for %s: %w", key, upstreamErr)
	}

	logger.Debug("observation served", zap.String("station", key), zap.Bool("cached", false), zap.Duration("duration", s.clock.Since(start)))
	return obs, nil
}

// fetchCoalesced runs one download per station at a time. Waiters leave when
// their own context ends; the download keeps running for the others.
func (s *MetarService) fetchCoalesced(ctx context.Context, key string) (models.Observation, error) {
	ch := s.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetchAndStore(fetchCtx, key)
	})
	select {
	case <-ctx.Done():
		return models.Observation{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.CoalescedFetchesTotal.Inc()
		}
		if res.Err != nil {
			return models.Observation{}, res.Err
		}
		return res.Val.(models.Observation), nil
	}
}

func (s *MetarService) fetchAndStore(ctx context.Context, key string) (models.Observation, error) {
	logger := loggerFromContext(ctx)

	raw, err := s.client.FetchBulletin(ctx, key)
	if err != nil {
		return models.Observation{}, err
	}

	res, err := s.decoder.DecodeBulletin(raw)
	if err != nil {
		observability.DecodesTotal.WithLabelValues("malformed_bulletin").Inc()
		return models.Observation{}, fmt.Errorf("decode bulletin: %w", err)
	}
	recordDiagnostics(res.Diagnostics)
	for _, rej := range res.Diagnostics.Rejected {
		logger.Info("rejected report group", zap.String("station", key), zap.String("token", rej.Token), zap.String("rule", rej.Rule), zap.Error(rej.Err))
	}

	obs := models.Observation{
		Station:   key,
		IssuedAt:  res.Envelope.IssuedAt,
		Raw:       res.Envelope.Body,
		Report:    res.Report,
		Unmatched: res.Diagnostics.Unmatched,
		FetchedAt: s.clock.Now().UTC(),
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, obs, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.String("station", key), zap.Error(setErr))
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}

	if s.publisher != nil {
		if pubErr := s.publisher.Publish(ctx, obs); pubErr != nil {
			logger.Warn("publish failed", zap.String("station", key), zap.Error(pubErr))
		}
	}
	return obs, nil
}

// staleFallback serves an expired observation when NOAA cannot be reached.
// A missing station is never answered from stale data.
func (s *MetarService) staleFallback(ctx context.Context, key string, upstreamErr error, logger *zap.Logger) (models.Observation, bool) {
	if s.staleCacheTTL <= 0 || errors.Is(upstreamErr, client.ErrStationNotFound) {
		return models.Observation{}, false
	}
	stale, ok, err := s.cache.GetStale(ctx, key, s.staleCacheTTL)
	if err != nil || !ok {
		return models.Observation{}, false
	}
	staleAge := s.clock.Since(stale.FetchedAt)
	observability.StaleCacheServesTotal.WithLabelValues(observability.StationLabel(key)).Inc()
	observability.StaleCacheAgeSeconds.Observe(staleAge.Seconds())
	logger.Info("serving stale cache", zap.String("station", key), zap.Duration("age", staleAge), zap.Error(upstreamErr))
	stale.Stale = true
	return stale, true
}

func recordDiagnostics(d *metar.Diagnostics) {
	observability.DecodesTotal.WithLabelValues("ok").Inc()
	if n := len(d.Unmatched); n > 0 {
		observability.UnmatchedTokensTotal.Add(float64(n))
	}
	for _, rej := range d.Rejected {
		observability.RejectedTokensTotal.WithLabelValues(rej.Rule).Inc()
	}
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}

// normalizeStation trims whitespace and upper-cases the station so cache keys
// and NOAA file names agree regardless of input format.
func normalizeStation(station string) string {
	return strings.ToUpper(strings.TrimSpace(station))
}
