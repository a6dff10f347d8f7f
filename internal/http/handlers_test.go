package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/metar-service/internal/cache"
	"github.com/kjstillabower/metar-service/internal/client"
	"github.com/kjstillabower/metar-service/internal/lifecycle"
	"github.com/kjstillabower/metar-service/internal/models"
	"github.com/kjstillabower/metar-service/internal/service"
	"github.com/kjstillabower/metar-service/internal/traffic"
)

const ehgrBulletin = "2024/03/01 12:20\nEHGR 011220Z 24008KT 9999 FEW020 -SHRA 18/12 Q1015 NOSIG\n"

type mockBulletinClient struct {
	bulletin string
	err      error
	calls    int32
}

func (m *mockBulletinClient) FetchBulletin(ctx context.Context, station string) (string, error) {
	atomic.AddInt32(&m.calls, 1)
	return m.bulletin, m.err
}

func (m *mockBulletinClient) Ping(ctx context.Context) error { return nil }

// newTestHandler builds a handler over a real in-memory cache and a mock NOAA client.
func newTestHandler(cl client.BulletinClient, hc *HealthConfig, logger *zap.Logger) (*Handler, *cache.InMemoryCache) {
	c := cache.NewInMemoryCache(nil, time.Hour)
	svc := service.NewMetarService(cl, c, nil, 5*time.Minute, 0)
	return NewHandler(svc, hc, logger), c
}

func newRequest(path string, logger *zap.Logger) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	ctx := context.WithValue(req.Context(), "logger", logger)
	ctx = context.WithValue(ctx, "correlation_id", "test-correlation-id")
	return req.WithContext(ctx)
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.HandleFunc("/metar/{station}", h.GetObservation)
	router.HandleFunc("/metar/{station}/decoded", h.GetDecoded)
	router.HandleFunc("/health", h.GetHealth)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) (code, requestID string) {
	t.Helper()
	var body struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	return body.Error.Code, body.Error.RequestID
}

// TestHandler_GetObservation_Success verifies that a fresh observation is decoded
// and returned as JSON.
func TestHandler_GetObservation_Success(t *testing.T) {
	traffic.Reset()
	logger := zap.NewNop()
	handler, _ := newTestHandler(&mockBulletinClient{bulletin: ehgrBulletin}, nil, logger)

	w := serve(handler, newRequest("/metar/ehgr", logger))

	if w.Code != http.StatusOK {
		t.Fatalf("GetObservation() status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var obs models.Observation
	if err := json.NewDecoder(w.Body).Decode(&obs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if obs.Station != "EHGR" {
		t.Errorf("Station = %q, want EHGR", obs.Station)
	}
	if obs.IssuedAt != "2024/03/01 12:20" {
		t.Errorf("IssuedAt = %q, want 2024/03/01 12:20", obs.IssuedAt)
	}
	if obs.Report == nil || obs.Report.Wind == nil || obs.Report.Wind.Direction != 240 {
		t.Errorf("Report.Wind not decoded: %+v", obs.Report)
	}
	if len(obs.Unmatched) != 1 || obs.Unmatched[0] != "NOSIG" {
		t.Errorf("Unmatched = %v, want [NOSIG]", obs.Unmatched)
	}
	if _, total := traffic.ErrorRate(time.Minute); total != 1 {
		t.Errorf("traffic total = %d, want 1", total)
	}
}

// TestHandler_GetObservation_CachedSecondRequest verifies that the second lookup
// is served from cache without another download.
func TestHandler_GetObservation_CachedSecondRequest(t *testing.T) {
	logger := zap.NewNop()
	cl := &mockBulletinClient{bulletin: ehgrBulletin}
	handler, _ := newTestHandler(cl, nil, logger)

	for i := 0; i < 2; i++ {
		if w := serve(handler, newRequest("/metar/EHGR", logger)); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	if got := atomic.LoadInt32(&cl.calls); got != 1 {
		t.Errorf("FetchBulletin calls = %d, want 1", got)
	}
}

// TestHandler_GetObservation_InvalidStation verifies that malformed station
// identifiers are rejected with 400 INVALID_STATION before reaching NOAA.
func TestHandler_GetObservation_InvalidStation(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"too short", "/metar/EH"},
		{"too long", "/metar/EHGRX"},
		{"leading digit", "/metar/1ABC"},
		{"whitespace only", "/metar/%20%20%20"},
		{"punctuation", "/metar/EH-G"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zap.NewNop()
			cl := &mockBulletinClient{bulletin: ehgrBulletin}
			handler, _ := newTestHandler(cl, nil, logger)

			w := serve(handler, newRequest(tt.path, logger))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			code, reqID := decodeErrorCode(t, w)
			if code != "INVALID_STATION" {
				t.Errorf("error code = %q, want INVALID_STATION", code)
			}
			if reqID != "test-correlation-id" {
				t.Errorf("requestId = %q, want test-correlation-id", reqID)
			}
			if atomic.LoadInt32(&cl.calls) != 0 {
				t.Error("FetchBulletin should not be called for invalid station")
			}
		})
	}
}

// TestHandler_GetObservation_ErrorMapping verifies the status and code for each
// class of lookup failure.
func TestHandler_GetObservation_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		client     *mockBulletinClient
		wantStatus int
		wantCode   string
		wantErrors int
	}{
		{
			name:       "station not found",
			client:     &mockBulletinClient{err: client.ErrStationNotFound},
			wantStatus: http.StatusNotFound,
			wantCode:   "STATION_NOT_FOUND",
			wantErrors: 0,
		},
		{
			name:       "malformed bulletin",
			client:     &mockBulletinClient{bulletin: "<html>maintenance</html>"},
			wantStatus: http.StatusBadGateway,
			wantCode:   "MALFORMED_BULLETIN",
			wantErrors: 1,
		},
		{
			name:       "upstream failure",
			client:     &mockBulletinClient{err: client.ErrUpstreamFailure},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "UPSTREAM_UNAVAILABLE",
			wantErrors: 1,
		},
		{
			name:       "circuit open",
			client:     &mockBulletinClient{err: client.ErrCircuitOpen},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "UPSTREAM_UNAVAILABLE",
			wantErrors: 1,
		},
		{
			name:       "unexpected error",
			client:     &mockBulletinClient{err: errors.New("boom")},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "UPSTREAM_UNAVAILABLE",
			wantErrors: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traffic.Reset()
			logger := zap.NewNop()
			handler, _ := newTestHandler(tt.client, nil, logger)

			w := serve(handler, newRequest("/metar/EHGR", logger))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d. Body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if code, _ := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
			if errs, _ := traffic.ErrorRate(time.Minute); errs != tt.wantErrors {
				t.Errorf("recorded errors = %d, want %d", errs, tt.wantErrors)
			}
		})
	}
}

// TestHandler_GetDecoded verifies the text rendering endpoint.
func TestHandler_GetDecoded(t *testing.T) {
	logger := zap.NewNop()
	handler, _ := newTestHandler(&mockBulletinClient{bulletin: ehgrBulletin}, nil, logger)

	w := serve(handler, newRequest("/metar/EHGR/decoded", logger))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		"Station       : EHGR\n",
		"Wind direction: 240 (WSW)\n",
		"Pressure      : 1015 hPa\n",
		"Phenomena     : Light Showers Rain\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("decoded body missing %q; got:\n%s", want, body)
		}
	}
}

// TestHandler_GetDecoded_NotFound verifies that errors on the decoded route use the JSON error format.
func TestHandler_GetDecoded_NotFound(t *testing.T) {
	logger := zap.NewNop()
	handler, _ := newTestHandler(&mockBulletinClient{err: client.ErrStationNotFound}, nil, logger)

	w := serve(handler, newRequest("/metar/ZZZZ/decoded", logger))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code, _ := decodeErrorCode(t, w); code != "STATION_NOT_FOUND" {
		t.Errorf("error code = %q, want STATION_NOT_FOUND", code)
	}
}

// TestHandler_GetObservation_DebugLogs verifies that failed lookups are logged at
// DEBUG with their error category.
func TestHandler_GetObservation_DebugLogs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	handler, _ := newTestHandler(&mockBulletinClient{err: client.ErrRateLimited}, nil, logger)

	serve(handler, newRequest("/metar/EHGR", logger))

	entries := logs.FilterMessage("lookup failed").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 lookup failed log, got %d", len(entries))
	}
	var category string
	for _, f := range entries[0].Context {
		if f.Key == "category" && f.Type == zapcore.StringType {
			category = f.String
		}
	}
	if category != "rate_limited" {
		t.Errorf("category = %q, want rate_limited", category)
	}
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) (string, map[string]string) {
	t.Helper()
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health body: %v", err)
	}
	return body.Status, body.Checks
}

// TestHandler_GetHealth verifies the healthy response shape.
func TestHandler_GetHealth(t *testing.T) {
	traffic.Reset()
	lifecycle.Reset()
	handler, _ := newTestHandler(&mockBulletinClient{}, nil, zap.NewNop())

	w := serve(handler, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GetHealth() status = %d, want 200", w.Code)
	}
	status, checks := decodeHealth(t, w)
	if status != "healthy" {
		t.Errorf("status = %q, want healthy", status)
	}
	if checks["noaa"] != "healthy" {
		t.Errorf("checks.noaa = %q, want healthy", checks["noaa"])
	}
	if _, ok := checks["cache"]; ok {
		t.Error("checks.cache should be absent without CachePing")
	}
}

// TestHandler_GetHealth_ShuttingDown verifies that the shutdown flag wins over everything else.
func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.MarkShuttingDown("signal")
	defer lifecycle.Reset()
	handler, _ := newTestHandler(&mockBulletinClient{}, &HealthConfig{}, zap.NewNop())

	w := serve(handler, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if status, _ := decodeHealth(t, w); status != "shutting-down" {
		t.Errorf("status = %q, want shutting-down", status)
	}
}

// TestHandler_GetHealth_Overloaded verifies that denials above the threshold report overloaded.
func TestHandler_GetHealth_Overloaded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	lifecycle.Reset()
	hc := &HealthConfig{
		OverloadWindow:       10 * time.Second,
		OverloadThresholdPct: 50,
		RateLimitRPS:         1, // threshold = 1 * 10 * 50% = 5 denials
	}
	handler, _ := newTestHandler(&mockBulletinClient{}, hc, zap.NewNop())

	for i := 0; i < 6; i++ {
		traffic.RecordDenied()
	}
	w := serve(handler, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if status, _ := decodeHealth(t, w); status != "overloaded" {
		t.Errorf("status = %q, want overloaded", status)
	}
}

// TestHandler_GetHealth_DegradedErrorRate verifies that an error rate at or above
// the threshold reports degraded, and below it stays healthy.
func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	tests := []struct {
		name       string
		successes  int
		errs       int
		wantStatus string
		wantCode   int
	}{
		{"at threshold", 1, 1, "degraded", http.StatusServiceUnavailable},
		{"below threshold", 3, 1, "healthy", http.StatusOK},
		{"no traffic", 0, 0, "healthy", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traffic.Reset()
			defer traffic.Reset()
			lifecycle.Reset()
			hc := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
			handler, _ := newTestHandler(&mockBulletinClient{}, hc, zap.NewNop())

			for i := 0; i < tt.successes; i++ {
				traffic.RecordSuccess()
			}
			for i := 0; i < tt.errs; i++ {
				traffic.RecordError()
			}
			w := serve(handler, httptest.NewRequest("GET", "/health", nil))

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if status, _ := decodeHealth(t, w); status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
		})
	}
}

// TestHandler_GetHealth_Checks verifies the upstream and cache entries in checks.
func TestHandler_GetHealth_Checks(t *testing.T) {
	traffic.Reset()
	lifecycle.Reset()

	t.Run("circuit open and cache down", func(t *testing.T) {
		hc := &HealthConfig{
			UpstreamState: func() string { return "open" },
			CachePing:     func() error { return errors.New("memcache: connection refused") },
		}
		handler, _ := newTestHandler(&mockBulletinClient{}, hc, zap.NewNop())
		w := serve(handler, httptest.NewRequest("GET", "/health", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", w.Code)
		}
		status, checks := decodeHealth(t, w)
		if status != "degraded" {
			t.Errorf("status = %q, want degraded", status)
		}
		if checks["noaa"] != "unhealthy" || checks["cache"] != "unhealthy" {
			t.Errorf("checks = %v, want noaa and cache unhealthy", checks)
		}
	})

	t.Run("half open", func(t *testing.T) {
		hc := &HealthConfig{
			UpstreamState: func() string { return "half_open" },
			CachePing:     func() error { return nil },
		}
		handler, _ := newTestHandler(&mockBulletinClient{}, hc, zap.NewNop())
		w := serve(handler, httptest.NewRequest("GET", "/health", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		_, checks := decodeHealth(t, w)
		if checks["noaa"] != "recovering" || checks["cache"] != "healthy" {
			t.Errorf("checks = %v, want noaa recovering and cache healthy", checks)
		}
	})
}

// TestHandler_GetHealth_LogsTransition verifies that health status transitions
// are logged once per change.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	lifecycle.Reset()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	hc := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
	handler, _ := newTestHandler(&mockBulletinClient{}, hc, logger)
	req := httptest.NewRequest("GET", "/health", nil)

	traffic.RecordSuccess()
	traffic.RecordSuccess()
	if w := serve(handler, req); w.Code != http.StatusOK {
		t.Fatalf("first GetHealth status = %d, want 200", w.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	traffic.RecordError()
	traffic.RecordError()
	if w := serve(handler, req); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("second GetHealth status = %d, want 503", w.Code)
	}

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	var prev, curr, reason string
	for _, f := range entries[0].Context {
		switch f.Key {
		case "previous_status":
			prev = f.String
		case "current_status":
			curr = f.String
		case "reason":
			reason = f.String
		}
	}
	if prev != "healthy" || curr != "degraded" || reason != "error_rate_breach" {
		t.Errorf("transition = %s -> %s (%s), want healthy -> degraded (error_rate_breach)", prev, curr, reason)
	}

	serve(handler, req)
	if logs.Len() != 1 {
		t.Errorf("unchanged status should not log; total logs = %d, want 1", logs.Len())
	}
}
