package middleware

import (
	"net/http"
	"strconv"

	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

// MetricsMiddleware counts requests by method and status code.
func MetricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)
			m.HTTPRequest(r.Method, strconv.Itoa(wrapped.statusCode))
		})
	}
}
