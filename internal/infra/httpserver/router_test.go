package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appbatches "github.com/bryanwahyu/analyzer-engine/internal/application/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	domain "github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/memory"
	memqueue "github.com/bryanwahyu/analyzer-engine/internal/infra/queue/memory"
	"github.com/bryanwahyu/analyzer-engine/internal/middleware"
)

type testServer struct {
	store   *memory.Store
	queue   *memqueue.Queue
	handler http.Handler
}

func newTestServer(t *testing.T, sec config.Security) *testServer {
	t.Helper()
	store := memory.NewStore()
	store.PutAnalyzer(&analyzers.Analyzer{ID: 1, Name: "perf"})
	store.PutProject(projects.Project{ID: 10, AssignmentID: 7}, projects.Metadata{})
	store.PutProject(projects.Project{ID: 11, AssignmentID: 7}, projects.Metadata{})

	q := memqueue.New(8)
	disp := &appbatches.Dispatcher{Batches: store, Analyzers: store, Projects: store, Queue: q}
	return &testServer{
		store: store,
		queue: q,
		handler: NewRouter(disp, Options{
			Security: sec,
			Checkers: map[string]middleware.HealthChecker{
				"db": middleware.CheckerFunc(func(context.Context) error { return nil }),
			},
			MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		}),
	}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndStatus(t *testing.T) {
	s := newTestServer(t, config.Security{})

	rec := s.do(http.MethodPost, "/v1/batches", `{"analyzer_id": 1, "assignment_id": 7, "project_ids": [10, 11]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created struct {
		BatchID string `json:"batch_id"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, 1, s.queue.Len())

	rec = s.do(http.MethodGet, "/v1/batches/"+created.BatchID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st appbatches.BatchStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.StatusPending, st.Batch.Status)
	require.Len(t, st.Outcomes, 2)
	assert.Equal(t, domain.OutcomePending, st.Outcomes[0].State)

	rec = s.do(http.MethodPost, "/v1/batches/"+created.BatchID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmitErrors(t *testing.T) {
	s := newTestServer(t, config.Security{})

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"unknown analyzer", `{"analyzer_id": 9, "assignment_id": 7, "project_ids": [10]}`, http.StatusNotFound, "analyzer with id 9 not found"},
		{"unknown assignment", `{"analyzer_id": 1, "assignment_id": 8, "project_ids": [10]}`, http.StatusNotFound, "assignment with id 8 not found"},
		{"invalid projects", `{"analyzer_id": 1, "assignment_id": 7, "project_ids": [10, 998, 999]}`, http.StatusNotFound, `"invalid_project_ids":[998,999]`},
		{"empty projects", `{"analyzer_id": 1, "assignment_id": 7, "project_ids": []}`, http.StatusBadRequest, "project_ids"},
		{"bad json", `{"analyzer_id": "x"}`, http.StatusBadRequest, "invalid JSON body"},
		{"unknown field", `{"analyzer": 1}`, http.StatusBadRequest, "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/v1/batches", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
	assert.Equal(t, 0, s.queue.Len())
}

func TestStatusErrors(t *testing.T) {
	s := newTestServer(t, config.Security{})

	rec := s.do(http.MethodGet, "/v1/batches/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/v1/batches/6f1c2a7e-0000-4000-8000-000000000001", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTerminalConflict(t *testing.T) {
	s := newTestServer(t, config.Security{})
	ctx := context.Background()
	id := domain.ID("6f1c2a7e-0000-4000-8000-000000000002")
	require.NoError(t, s.store.Create(ctx, &domain.Batch{ID: id, ProjectIDs: []projects.ID{10}, Status: domain.StatusPending}))
	require.NoError(t, s.store.UpdateStatus(ctx, id, domain.StatusFailed, "boom"))

	rec := s.do(http.MethodPost, "/v1/batches/"+string(id)+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthAndOperationalEndpoints(t *testing.T) {
	s := newTestServer(t, config.Security{APIKeys: map[string]string{"staff": "k1"}})

	rec := s.do(http.MethodPost, "/v1/batches", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, path := range []string{"/health", "/livez", "/readyz", "/metrics"} {
		rec = s.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"analyzer_id": 1, "assignment_id": 7, "project_ids": [10]}`))
	req.Header.Set("Authorization", "Bearer k1")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
