package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// responseWriter is a wrapper for http.ResponseWriter that captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointLabel prefers the route template so tenant and entity names do
// not explode label cardinality.
func endpointLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// MetricsMiddleware wraps an HTTP handler with Prometheus metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := GetMetrics()

		metrics.IncRequestsInFlight()
		defer metrics.DecRequestsInFlight()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		endpoint := endpointLabel(r)
		metrics.RecordRequest(r.Method, endpoint, strconv.Itoa(rw.statusCode))
		metrics.ObserveRequestDuration(r.Method, endpoint, time.Since(start).Seconds())
	})
}

// WithMetrics adds metrics middleware to a handler
func WithMetrics(handler http.Handler) http.Handler {
	return MetricsMiddleware(handler)
}
