package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appbatches "github.com/bryanwahyu/analyzer-engine/internal/application/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/config"
	domain "github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
	"github.com/bryanwahyu/analyzer-engine/internal/middleware"
	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

var logger = logging.For("httpserver")

// BatchService is what the HTTP layer needs from the dispatcher.
type BatchService interface {
	SubmitRun(ctx context.Context, req appbatches.RunRequest) (domain.ID, error)
	GetBatchStatus(ctx context.Context, id domain.ID) (*appbatches.BatchStatus, error)
	CancelBatch(ctx context.Context, id domain.ID) error
}

// Options carries everything the router mounts besides the batch API.
type Options struct {
	Security       config.Security
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler // nil disables /metrics
	MetricsPath    string
	Checkers       map[string]middleware.HealthChecker
	Ready          func() bool
	RateLimiter    *middleware.RateLimiter
}

type Router struct {
	batches BatchService
}

func NewRouter(svc BatchService, opts Options) http.Handler {
	r := &Router{batches: svc}
	mux := chi.NewRouter()

	mux.Use(middleware.LoggingMiddleware)
	mux.Use(middleware.MetricsMiddleware(opts.Metrics))
	if len(opts.Security.AllowedOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.Security.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}
	if len(opts.Security.APIKeys) > 0 {
		mux.Use(middleware.APIKeyAuth(opts.Security.APIKeys))
	}
	if opts.RateLimiter != nil {
		mux.Use(middleware.RateLimitMiddleware(opts.RateLimiter))
	}

	mux.Get("/health", middleware.HealthHandler(opts.Checkers))
	mux.Get("/livez", middleware.LivenessHandler)
	mux.Get("/readyz", middleware.ReadinessHandler(opts.Ready))
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Method(http.MethodGet, path, opts.MetricsHandler)
	}

	mux.Route("/v1/batches", func(rt chi.Router) {
		rt.Post("/", r.wrap(r.handleSubmit))
		rt.Get("/{id}", r.wrap(r.handleStatus))
		rt.Post("/{id}/cancel", r.wrap(r.handleCancel))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks errors caused by the request itself.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var (
			br       badRequest
			invalid  *domain.ValidationError
			notFound *domain.NotFoundError
			projects *domain.InvalidProjectsError
		)
		switch {
		case errors.As(err, &br), errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		case errors.As(err, &projects):
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), InvalidProjectIDs: projects.IDs})
		case errors.As(err, &notFound), errors.Is(err, domain.ErrBatchNotFound):
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		case errors.Is(err, domain.ErrAlreadyTerminal):
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		default:
			logger.WithError(err).WithField("path", req.URL.Path).Error("request failed")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
	}
}

// POST /v1/batches
// Body: {"analyzer_id": 1, "assignment_id": 2, "project_ids": [10, 11]}
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	var body appbatches.RunRequest
	if err := middleware.DecodeJSON(w, req, &body); err != nil {
		return badRequest{err}
	}

	id, err := r.batches.SubmitRun(req.Context(), body)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": id,
		"status":   domain.StatusPending,
	})
	return nil
}

// GET /v1/batches/{id}
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	id, err := batchID(req)
	if err != nil {
		return err
	}
	st, err := r.batches.GetBatchStatus(req.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

// POST /v1/batches/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := batchID(req)
	if err != nil {
		return err
	}
	if err := r.batches.CancelBatch(req.Context(), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch_id": id, "cancel_requested": true})
	return nil
}

func batchID(req *http.Request) (domain.ID, error) {
	raw := chi.URLParam(req, "id")
	if err := middleware.ValidateBatchID(raw); err != nil {
		return "", badRequest{err}
	}
	return domain.ID(raw), nil
}

type errorBody struct {
	Error             string `json:"error"`
	InvalidProjectIDs any    `json:"invalid_project_ids,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("encode response")
	}
}
