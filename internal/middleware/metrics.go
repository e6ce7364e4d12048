package middleware

import (
	"net/http"
	"time"

	"github.com/edgegate/edgegate/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// PathLabel maps a request path to a metrics label. Labels must come
// from a bounded set; raw paths would explode series cardinality.
type PathLabel func(path string) string

// DefaultPathLabel keeps the fixed operational endpoints and folds
// everything else together.
func DefaultPathLabel(path string) string {
	switch path {
	case "/health", "/ready", "/metrics":
		return path
	}
	return "/other"
}

// Metrics returns a middleware that records request count, duration, and
// in-flight connections. A nil label function falls back to
// DefaultPathLabel; the server passes one backed by the route table.
func Metrics(label PathLabel) Middleware {
	if label == nil {
		label = DefaultPathLabel
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			next.ServeHTTP(rw, r)

			metrics.RecordRequest(r.Method, label(r.URL.Path), rw.statusCode, time.Since(start))
		})
	}
}
