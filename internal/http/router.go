package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/metar-service/internal/observability"
)

// NewRouter wires the handler and middleware. Rate limiting and the request
// timeout only apply to /metar routes; a nil limiter disables rate limiting.
func NewRouter(handler *Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	correlate := CorrelationIDMiddleware(logger)
	router.Use(correlate)
	router.Use(MetricsMiddleware)
	// mux skips Use middleware for unrouted requests, so wrap these by hand.
	router.NotFoundHandler = correlate(MetricsMiddleware(http.HandlerFunc(notFound)))
	router.MethodNotAllowedHandler = correlate(MetricsMiddleware(http.HandlerFunc(methodNotAllowed)))
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	metarRouter := router.PathPrefix("/metar").Subrouter()
	metarRouter.Use(RateLimitMiddleware(limiter))
	if requestTimeout > 0 {
		metarRouter.Use(TimeoutMiddleware(requestTimeout))
	}
	metarRouter.HandleFunc("/{station}", handler.GetObservation).Methods("GET")
	metarRouter.HandleFunc("/{station}/decoded", handler.GetDecoded).Methods("GET")
	return router
}
