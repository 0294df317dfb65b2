package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

func TestStoreBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Create(ctx, &batches.Batch{ID: "b1", ProjectIDs: []projects.ID{1, 2}, Status: batches.StatusPending}))

	outs, err := s.Outcomes(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, batches.OutcomePending, outs[0].State)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "b1", batches.StatusCompleted, ""), batches.ErrInvalidTransition)
	require.NoError(t, s.UpdateStatus(ctx, "b1", batches.StatusRunning, ""))

	report := &batches.Report{ID: "r1", ProjectID: 1, BatchID: "b1", Values: map[string]any{"n": int64(1)}}
	require.NoError(t, s.RecordOutcome(ctx, "b1", batches.Outcome{ProjectID: 1, State: batches.OutcomeSucceeded}, report))
	assert.ErrorIs(t, s.RecordOutcome(ctx, "b1", batches.Outcome{ProjectID: 1, State: batches.OutcomeFailed}, nil), batches.ErrOutcomeRecorded)
	require.NoError(t, s.RecordOutcome(ctx, "b1", batches.Outcome{ProjectID: 2, State: batches.OutcomeFailed}, nil))

	reports, err := s.Reports(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, reports, 1)
	assert.Equal(t, "r1", reports[1].ID)

	require.NoError(t, s.UpdateStatus(ctx, "b1", batches.StatusPartiallyFailed, ""))
	assert.ErrorIs(t, s.UpdateStatus(ctx, "b1", batches.StatusRunning, ""), batches.ErrInvalidTransition)
	assert.ErrorIs(t, s.RequestCancel(ctx, "b1"), batches.ErrAlreadyTerminal)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, batches.ErrBatchNotFound)
}
