package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetClientFromContext(r.Context())))
})

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"staff": "s3cret"})(okHandler)

	tests := []struct {
		name   string
		path   string
		header string
		code   int
		body   string
	}{
		{"bearer", "/v1/batches", "Bearer s3cret", http.StatusOK, "staff"},
		{"raw key", "/v1/batches", "s3cret", http.StatusOK, "staff"},
		{"wrong key", "/v1/batches", "Bearer nope", http.StatusUnauthorized, ""},
		{"missing", "/v1/batches", "", http.StatusUnauthorized, ""},
		{"public", "/health", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := RateLimitMiddleware(rl)(okHandler)

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"))

	rl.evict(time.Now().Add(3 * time.Minute))
	assert.Equal(t, 0, rl.size())
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.New(reg)
	h := MetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/batches", nil))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "analyzer_http_requests_total" {
			continue
		}
		found = true
		require.Len(t, f.GetMetric(), 1)
		assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found)
}

func TestHealthHandler(t *testing.T) {
	h := HealthHandler(map[string]HealthChecker{
		"db":    CheckerFunc(func(context.Context) error { return nil }),
		"redis": CheckerFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":{"status":"unhealthy","message":"connection refused"}`)
	assert.Contains(t, rec.Body.String(), `"db":{"status":"healthy"}`)
}

func TestReadinessHandler(t *testing.T) {
	ready := false
	h := ReadinessHandler(func() bool { return ready })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	decode := func(body, ct string) error {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		return DecodeJSON(httptest.NewRecorder(), req, &v)
	}

	require.NoError(t, decode(`{"a": 1}`, "application/json; charset=utf-8"))
	assert.Equal(t, 1, v.A)
	assert.Error(t, decode(`{"b": 1}`, ""))
	assert.Error(t, decode(`{"a": 1}{"a": 2}`, ""))
	assert.Error(t, decode(`{"a": 1}`, "text/plain"))
	assert.Error(t, decode(`{`, ""))
}

func TestValidateBatchID(t *testing.T) {
	assert.NoError(t, ValidateBatchID("6f1c2a7e-0000-4000-8000-000000000001"))
	assert.Error(t, ValidateBatchID(""))
	assert.Error(t, ValidateBatchID("../etc/passwd"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "curl/8.0", SanitizeString(" curl/8.0\x00\x07 "))
}
