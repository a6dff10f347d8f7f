// Package client downloads raw METAR bulletins from the NOAA station feed.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/metar-service/internal/circuitbreaker"
	"github.com/kjstillabower/metar-service/internal/observability"
)

// DefaultBaseURL is the directory holding one {STATION}.TXT file per station.
const DefaultBaseURL = "https://tgftp.nws.noaa.gov/data/observations/metar/stations"

// MaxBulletinSize caps how much of a bulletin is read. Station files are two short lines.
const MaxBulletinSize = 512

type BulletinClient interface {
	FetchBulletin(ctx context.Context, station string) (string, error)
	Ping(ctx context.Context) error
}

var (
	ErrStationNotFound = errors.New("station not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("upstream circuit open")
)

type NOAAClient struct {
	baseURL        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewNOAAClient(baseURL string, timeout time.Duration) (*NOAAClient, error) {
	return NewNOAAClientWithRetry(baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewNOAAClientWithRetry(baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*NOAAClient, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}

	return &NOAAClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every download attempt through cb.
// A missing station does not count as a failure.
func (c *NOAAClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// FetchBulletin downloads the station file and returns it as text.
func (c *NOAAClient) FetchBulletin(ctx context.Context, station string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.NOAAFetchRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.fetchOnce(ctx, station)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(ctx, err) {
			return "", err
		}
	}

	return "", fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *NOAAClient) fetchOnce(ctx context.Context, station string) (string, error) {
	if c.breaker == nil {
		return c.callNOAA(ctx, station)
	}

	var body string
	err := c.breaker.Call(ctx, func() error {
		var err error
		body, err = c.callNOAA(ctx, station)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return body, err
}

func (c *NOAAClient) callNOAA(ctx context.Context, station string) (string, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, station)
	if err != nil {
		observability.NOAAFetchesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("build request: %w", err)
	}

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.NOAAFetchesTotal.WithLabelValues("error").Inc()
		observability.NOAAFetchDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("request timeout: %w", err)
		}
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.NOAAFetchesTotal.WithLabelValues(status).Inc()
	observability.NOAAFetchDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBulletinSize))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	return string(body), nil
}

// isRetryable is false once the caller's context is done.
func (c *NOAAClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return true
	}
	if strings.Contains(errStr, "http request failed") {
		return true
	}

	return false
}

func (c *NOAAClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *NOAAClient) stationURL(station string) string {
	return c.baseURL + "/" + url.PathEscape(strings.ToUpper(station)) + ".TXT"
}

func (c *NOAAClient) buildRequest(ctx context.Context, station string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.stationURL(station), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/plain")
	return req, nil
}

func (c *NOAAClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrStationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 404 {
		return "not_found"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// Ping checks that the station directory answers. Used by readiness checks.
func (c *NOAAClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// IsBreakerFailure reports whether err should count against the upstream circuit.
func IsBreakerFailure(err error) bool {
	return !errors.Is(err, ErrStationNotFound)
}
