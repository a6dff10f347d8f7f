package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/metar-service/internal/client"
	"github.com/kjstillabower/metar-service/internal/lifecycle"
	"github.com/kjstillabower/metar-service/internal/metar"
	"github.com/kjstillabower/metar-service/internal/presentation"
	"github.com/kjstillabower/metar-service/internal/service"
	"github.com/kjstillabower/metar-service/internal/traffic"
	"github.com/kjstillabower/metar-service/internal/validation"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// UpstreamState, when set, reports the NOAA circuit breaker state (closed, open, half_open).
	UpstreamState func() string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	metarService     *service.MetarService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(metarService *service.MetarService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		metarService: metarService,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetObservation handles GET /metar/{station}.
func (h *Handler) GetObservation(w http.ResponseWriter, r *http.Request) {
	station, err := validation.ValidateStation(mux.Vars(r)["station"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STATION", err.Error())
		return
	}

	obs, err := h.metarService.GetObservation(r.Context(), station)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, obs)
}

// GetDecoded handles GET /metar/{station}/decoded with the human-readable rendering.
func (h *Handler) GetDecoded(w http.ResponseWriter, r *http.Request) {
	station, err := validation.ValidateStation(mux.Vars(r)["station"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_STATION", err.Error())
		return
	}

	obs, err := h.metarService.GetObservation(r.Context(), station)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := presentation.Write(w, obs.Report); err != nil {
		loggerFrom(r, h.logger).Debug("write decoded report", zap.Error(err))
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	checks["noaa"] = "healthy"
	if h.healthConfig != nil && h.healthConfig.UpstreamState != nil {
		switch h.healthConfig.UpstreamState() {
		case "open":
			checks["noaa"] = "unhealthy"
		case "half_open":
			checks["noaa"] = "recovering"
		}
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "metar-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus determines the current health status by evaluating conditions
// in priority order: shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, lifecycle.ShutdownReason()}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Overload: rate limit denials exceed a share of what the limiter admits over the window.
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 && h.healthConfig.OverloadThresholdPct > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.DenialCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if h.healthConfig.UpstreamState != nil && h.healthConfig.UpstreamState() == "open" {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v, ok := r.Context().Value(correlationIDKey).(string); ok {
		corrID = v
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a lookup failure to its status and records the outcome.
// A missing station is the caller's problem and does not count against health.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, client.ErrStationNotFound):
		traffic.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "STATION_NOT_FOUND", "No observation published for this station")
	case errors.Is(err, metar.ErrEnvelopeFormat):
		traffic.RecordError()
		writeError(w, r, http.StatusBadGateway, "MALFORMED_BULLETIN", "Upstream bulletin could not be decoded")
	default:
		traffic.RecordError()
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch observation")
	}
	if logger, ok := r.Context().Value(loggerKey).(*zap.Logger); ok && logger != nil {
		logger.Debug("lookup failed", zap.Error(err), zap.String("category", string(client.CategorizeError(err))))
	}
}

func loggerFrom(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
