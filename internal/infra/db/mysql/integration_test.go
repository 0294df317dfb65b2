//go:build integration

package mysql

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/sqlstore"
)

func startMySQL(t *testing.T) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "secret",
				"MYSQL_DATABASE":      "analyzer",
			},
			WaitingFor: wait.ForLog("port: 3306").WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/analyzer?parseTime=true&charset=utf8mb4&loc=UTC", host, port.Port())
	db, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return NewStore(db)
}

func TestStoreAgainstMySQL(t *testing.T) {
	s := startMySQL(t)
	ctx := context.Background()
	db := s.DB()

	seed := []string{
		`INSERT INTO analyzers (id, name, description, has_script) VALUES (1, 'coverage', '', TRUE)`,
		`INSERT INTO analyzer_inputs (analyzer_id, position, key_name, value_type) VALUES (1, 0, 'url', 'str')`,
		`INSERT INTO analyzer_outputs (analyzer_id, position, key_name, value_type, extended_metadata) VALUES (1, 0, 'score', 'range', '{"fromRange": 0, "toRange": 10}')`,
		`INSERT INTO assignments (id) VALUES (5)`,
		`INSERT INTO projects (id, assignment_id) VALUES (10, 5), (11, 5)`,
		`INSERT INTO project_metadata (project_id, key_name, value) VALUES (10, 'url', '"https://a.test"'), (10, 'depth', '3')`,
	}
	for _, q := range seed {
		_, err := db.ExecContext(ctx, q)
		require.NoError(t, err, q)
	}

	a, err := s.GetAnalyzer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []analyzers.Input{{KeyName: "url", ValueType: analyzers.InputStr}}, a.Inputs)
	b, ok := a.Outputs[0].Bounds()
	require.True(t, ok)
	assert.Equal(t, 10.0, *b.To)

	md, err := s.GetProjectMetadata(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, projects.Metadata{"url": "https://a.test", "depth": float64(3)}, md)

	ok, err = s.AssignmentExists(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	id := batches.ID("6f1c2a7e-0000-4000-8000-000000000001")
	require.NoError(t, s.Create(ctx, &batches.Batch{
		ID: id, AssignmentID: 5, AnalyzerID: 1, ProjectIDs: []projects.ID{11, 10}, Status: batches.StatusPending,
	}))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []projects.ID{11, 10}, got.ProjectIDs)

	assert.ErrorIs(t, s.UpdateStatus(ctx, id, batches.StatusCompleted, ""), batches.ErrInvalidTransition)
	require.NoError(t, s.UpdateStatus(ctx, id, batches.StatusRunning, ""))

	report := &batches.Report{ID: "6f1c2a7e-0000-4000-8000-0000000000aa", ProjectID: 10, Values: map[string]any{"score": 7.5}}
	require.NoError(t, s.RecordOutcome(ctx, id, batches.Outcome{ProjectID: 10, State: batches.OutcomeSucceeded}, report))
	assert.ErrorIs(t, s.RecordOutcome(ctx, id, batches.Outcome{ProjectID: 10, State: batches.OutcomeFailed}, nil), batches.ErrOutcomeRecorded)
	require.NoError(t, s.RecordOutcome(ctx, id, batches.Outcome{
		ProjectID: 11, State: batches.OutcomeFailed,
		Failure: &batches.Failure{Kind: batches.FailureNonZeroExit, ExitCode: 2, Output: "Traceback"},
	}, nil))

	outs, err := s.Outcomes(ctx, id)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, projects.ID(11), outs[0].ProjectID)
	assert.Equal(t, batches.FailureNonZeroExit, outs[0].Failure.Kind)
	assert.Nil(t, outs[1].Failure)

	reports, err := s.Reports(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7.5, reports[10].Values["score"])

	require.NoError(t, s.UpdateStatus(ctx, id, batches.StatusPartiallyFailed, "1 of 2 projects failed"))
	assert.ErrorIs(t, s.RequestCancel(ctx, id), batches.ErrAlreadyTerminal)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, batches.ErrBatchNotFound)
}
