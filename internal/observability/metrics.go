package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// NOAA bulletin downloads by outcome. Watch for: error vs success ratio.
	NOAAFetchesTotal *prometheus.CounterVec

	// NOAA download latency. Watch for: p95 > 2s (upstream degradation).
	NOAAFetchDuration *prometheus.HistogramVec

	// Retry attempts against NOAA. Watch for: high retries = unstable upstream.
	NOAAFetchRetriesTotal prometheus.Counter

	// Decoded bulletins by outcome (ok, malformed_bulletin).
	DecodesTotal *prometheus.CounterVec

	// Report groups skipped by the decoder. Watch for: new METAR groups appearing upstream.
	UnmatchedTokensTotal prometheus.Counter

	// Groups that matched a rule but could not be applied, by rule.
	RejectedTokensTotal *prometheus.CounterVec

	// Cache hits by cache type.
	CacheHitsTotal *prometheus.CounterVec

	// Cache errors by operation and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Observations served from expired cache after an upstream failure.
	StaleCacheServesTotal *prometheus.CounterVec

	// Age of observations served from stale cache.
	StaleCacheAgeSeconds prometheus.Histogram

	// Concurrent lookups that shared one upstream fetch.
	CoalescedFetchesTotal prometheus.Counter

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Observations published to Kafka by outcome.
	PublishedObservationsTotal *prometheus.CounterVec

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Total station lookups.
	StationQueriesTotal prometheus.Counter

	// Per-station lookups (allow-list; others go to "other").
	StationQueriesByStationTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight requests still running when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	// trackedStations is built from config; used to resolve the station label.
	trackedStationsMu sync.RWMutex
	trackedStations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	NOAAFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noaaFetchesTotal",
			Help: "Total number of NOAA bulletin downloads",
		},
		[]string{"status"},
	)
	NOAAFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noaaFetchDurationSeconds",
			Help:    "NOAA bulletin download latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	NOAAFetchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noaaFetchRetriesTotal",
			Help: "Total number of retry attempts for NOAA downloads",
		},
	)
	DecodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarDecodesTotal",
			Help: "Total number of decoded bulletins by outcome",
		},
		[]string{"outcome"},
	)
	UnmatchedTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metarUnmatchedTokensTotal",
			Help: "Report groups that matched no decoding rule",
		},
	)
	RejectedTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metarRejectedTokensTotal",
			Help: "Report groups that matched a rule but could not be decoded",
		},
		[]string{"rule"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache operation errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	StaleCacheAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleCacheAgeSeconds",
			Help:    "Age of stale observations served after upstream failure",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 21600},
		},
	)
	StaleCacheServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleCacheServesTotal",
			Help: "Observations served from stale cache after upstream failure",
		},
		[]string{"station"},
	)
	CoalescedFetchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedFetchesTotal",
			Help: "Lookups that shared an in-flight upstream fetch",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed station",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	PublishedObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publishedObservationsTotal",
			Help: "Observations written to Kafka by outcome",
		},
		[]string{"outcome"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	StationQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stationQueriesTotal",
			Help: "Total number of station lookups",
		},
	)
	StationQueriesByStationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationQueriesByStationTotal",
			Help: "Station lookups by station (allow-list; others use station=other)",
		},
		[]string{"station"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "Requests in flight when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		NOAAFetchesTotal, NOAAFetchDuration, NOAAFetchRetriesTotal,
		DecodesTotal, UnmatchedTokensTotal, RejectedTokensTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		StaleCacheServesTotal, StaleCacheAgeSeconds, CoalescedFetchesTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		PublishedObservationsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		StationQueriesTotal, StationQueriesByStationTotal,
		RateLimitDeniedTotal, ShutdownInFlightRequests,
	)
}

// SetTrackedStations sets the allow-list for station metrics. Non-tracked stations increment "other".
func SetTrackedStations(stations []string) {
	trackedStationsMu.Lock()
	defer trackedStationsMu.Unlock()
	trackedStations = make(map[string]struct{}, len(stations))
	for _, s := range stations {
		trackedStations[normalizeStationForMetrics(s)] = struct{}{}
	}
}

// StationLabel returns the station itself when tracked, else "other".
func StationLabel(station string) string {
	s := normalizeStationForMetrics(station)
	trackedStationsMu.RLock()
	_, ok := trackedStations[s] // nil map read is safe in Go
	trackedStationsMu.RUnlock()
	if ok {
		return s
	}
	return "other"
}

// RecordStationQuery records a lookup for the given station.
func RecordStationQuery(station string) {
	StationQueriesTotal.Inc()
	StationQueriesByStationTotal.WithLabelValues(StationLabel(station)).Inc()
}

// RecordCircuitBreakerTransition updates the transition counter and state gauge.
func RecordCircuitBreakerTransition(component, from, to string, state int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordShutdownInFlight records how many requests were still running at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlightRequests.Set(float64(n))
}

func normalizeStationForMetrics(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
