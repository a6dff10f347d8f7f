//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/metar-service/internal/cache"
	"github.com/kjstillabower/metar-service/internal/client"
	"github.com/kjstillabower/metar-service/internal/models"
	"github.com/kjstillabower/metar-service/internal/observability"
	"github.com/kjstillabower/metar-service/internal/service"
)

var testLogger *zap.Logger

func init() {
	var err error
	testLogger, err = observability.NewLogger()
	if err != nil {
		panic(err)
	}
}

// newNOAAStub serves {STATION}.TXT files from bulletins; anything else is 404.
func newNOAAStub(t *testing.T, bulletins map[string]string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".TXT")
		body, ok := bulletins[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// setupIntegrationRouter wires the real NOAA client, in-memory cache, service and router.
func setupIntegrationRouter(t *testing.T, baseURL string, limiter *rate.Limiter) http.Handler {
	t.Helper()
	noaa, err := client.NewNOAAClient(baseURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewNOAAClient() error = %v", err)
	}
	svc := service.NewMetarService(noaa, cache.NewInMemoryCache(nil, time.Hour), nil, 5*time.Minute, time.Hour)
	handler := NewHandler(svc, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}, testLogger)
	return NewRouter(handler, testLogger, limiter, 10*time.Second)
}

// TestIntegration_GetObservation_FullStack verifies the path from HTTP to the
// NOAA directory and back, including caching of the second request.
func TestIntegration_GetObservation_FullStack(t *testing.T) {
	stub, hits := newNOAAStub(t, map[string]string{"EHGR": ehgrBulletin})
	router := setupIntegrationRouter(t, stub.URL, nil)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/metar/ehgr", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200. Body: %s", i, w.Code, w.Body.String())
		}
		var obs models.Observation
		if err := json.NewDecoder(w.Body).Decode(&obs); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if obs.Report == nil || obs.Report.Pressure == nil || obs.Report.Pressure.Value != 1015 {
			t.Errorf("pressure not decoded: %+v", obs.Report)
		}
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("NOAA hits = %d, want 1 (second request served from cache)", got)
	}
}

// TestIntegration_GetObservation_UnknownStation verifies the 404 mapping end to end.
func TestIntegration_GetObservation_UnknownStation(t *testing.T) {
	stub, _ := newNOAAStub(t, map[string]string{})
	router := setupIntegrationRouter(t, stub.URL, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metar/ZZZZ", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404. Body: %s", w.Code, w.Body.String())
	}
}

// TestIntegration_GetDecoded_FullStack verifies the text rendering end to end.
func TestIntegration_GetDecoded_FullStack(t *testing.T) {
	stub, _ := newNOAAStub(t, map[string]string{
		"KJFK": "2024/03/31 15:51\nKJFK 311551Z VRB02KT 10SM M01/M06 A3001\n",
	})
	router := setupIntegrationRouter(t, stub.URL, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metar/KJFK/decoded", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Wind direction: Variable\n") {
		t.Errorf("decoded body missing variable wind:\n%s", w.Body.String())
	}
}

// TestIntegration_RateLimiting_Concurrent verifies that concurrent requests past
// the burst are denied and the rest succeed.
func TestIntegration_RateLimiting_Concurrent(t *testing.T) {
	stub, _ := newNOAAStub(t, map[string]string{"EHGR": ehgrBulletin})
	router := setupIntegrationRouter(t, stub.URL, rate.NewLimiter(rate.Limit(1), 5))

	var ok, denied int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/metar/EHGR", nil))
			switch w.Code {
			case http.StatusOK:
				atomic.AddInt32(&ok, 1)
			case http.StatusTooManyRequests:
				atomic.AddInt32(&denied, 1)
			}
		}()
	}
	wg.Wait()

	if ok < 5 || ok > 6 {
		t.Errorf("successful requests = %d, want 5 (burst) or 6", ok)
	}
	if ok+denied != 20 {
		t.Errorf("ok + denied = %d, want 20", ok+denied)
	}
}

// TestIntegration_GetMetrics_Format verifies that HTTP metrics are exposed after traffic.
func TestIntegration_GetMetrics_Format(t *testing.T) {
	stub, _ := newNOAAStub(t, map[string]string{"EHGR": ehgrBulletin})
	router := setupIntegrationRouter(t, stub.URL, nil)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metar/EHGR", nil))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"httpRequestsTotal", `route="/metar/{station}"`, "metarDecodesTotal"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// TestIntegration_LiveNOAA hits the real NOAA directory when NOAA_INTEGRATION is set.
func TestIntegration_LiveNOAA(t *testing.T) {
	if os.Getenv("NOAA_INTEGRATION") == "" {
		t.Skip("NOAA_INTEGRATION not set, skipping live NOAA test")
	}
	router := setupIntegrationRouter(t, client.DefaultBaseURL, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metar/KJFK", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
}
