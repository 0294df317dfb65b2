package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

// Create inserts the batch and one pending outcome row per project.
func (s *Store) Create(ctx context.Context, b *batches.Batch) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
INSERT INTO batches (id, assignment_id, analyzer_id, status, timestamp, updated_at, cancel_requested, error)
VALUES (?,?,?,?,?,?,?,?)`
		ts := b.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		updated := b.UpdatedAt
		if updated.IsZero() {
			updated = ts
		}
		if _, err := tx.ExecContext(ctx, s.q(q),
			b.ID, b.AssignmentID, b.AnalyzerID, b.Status, ts, updated, b.CancelRequested, b.Error,
		); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for i, pid := range b.ProjectIDs {
			if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO batch_projects (batch_id, project_id, position, state) VALUES (?,?,?,?)`),
				b.ID, pid, i, batches.OutcomePending,
			); err != nil {
				return fmt.Errorf("insert batch project %d: %w", pid, err)
			}
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id batches.ID) (*batches.Batch, error) {
	const q = `
SELECT id, assignment_id, analyzer_id, status, timestamp, updated_at, cancel_requested, error
FROM batches WHERE id=?`
	var b batches.Batch
	err := s.db.QueryRowContext(ctx, s.q(q), id).Scan(
		&b.ID, &b.AssignmentID, &b.AnalyzerID, &b.Status, &b.Timestamp, &b.UpdatedAt, &b.CancelRequested, &b.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, batches.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	b.Timestamp = b.Timestamp.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT project_id FROM batch_projects WHERE batch_id=? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("batch projects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid projects.ID
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		b.ProjectIDs = append(b.ProjectIDs, pid)
	}
	return &b, rows.Err()
}

// UpdateStatus locks the batch row so concurrent transitions serialize.
func (s *Store) UpdateStatus(ctx context.Context, id batches.ID, status batches.Status, errMsg string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var cur batches.Status
		err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM batches WHERE id=? FOR UPDATE`), id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return batches.ErrBatchNotFound
		}
		if err != nil {
			return fmt.Errorf("lock batch: %w", err)
		}
		if !cur.CanTransition(status) {
			return fmt.Errorf("%s -> %s: %w", cur, status, batches.ErrInvalidTransition)
		}
		now := time.Now().UTC()
		if errMsg != "" {
			_, err = tx.ExecContext(ctx, s.q(`UPDATE batches SET status=?, error=?, updated_at=? WHERE id=?`), status, errMsg, now, id)
		} else {
			_, err = tx.ExecContext(ctx, s.q(`UPDATE batches SET status=?, updated_at=? WHERE id=?`), status, now, id)
		}
		if err != nil {
			return fmt.Errorf("update batch status: %w", err)
		}
		return nil
	})
}

func (s *Store) RequestCancel(ctx context.Context, id batches.ID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var cur batches.Status
		err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM batches WHERE id=? FOR UPDATE`), id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return batches.ErrBatchNotFound
		}
		if err != nil {
			return fmt.Errorf("lock batch: %w", err)
		}
		if cur.Terminal() {
			return batches.ErrAlreadyTerminal
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE batches SET cancel_requested=?, updated_at=? WHERE id=?`), true, time.Now().UTC(), id)
		return err
	})
}

// RecordOutcome writes the outcome row and, when given, the report in one
// transaction. An outcome already out of pending is never overwritten.
func (s *Store) RecordOutcome(ctx context.Context, id batches.ID, o batches.Outcome, report *batches.Report) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var state batches.OutcomeState
		err := tx.QueryRowContext(ctx, s.q(`
SELECT state FROM batch_projects WHERE batch_id=? AND project_id=? FOR UPDATE`), id, o.ProjectID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			if _, gerr := s.Get(ctx, id); errors.Is(gerr, batches.ErrBatchNotFound) {
				return batches.ErrBatchNotFound
			}
			return projects.ErrProjectNotFound
		}
		if err != nil {
			return fmt.Errorf("lock outcome: %w", err)
		}
		if state != batches.OutcomePending {
			return batches.ErrOutcomeRecorded
		}

		if report != nil {
			values, err := json.Marshal(report.Values)
			if err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			created := report.CreatedAt
			if created.IsZero() {
				created = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO reports (id, project_id, batch_id, report, created_at) VALUES (?,?,?,?,?)`),
				report.ID, report.ProjectID, id, string(values), created,
			); err != nil {
				if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
					return batches.ErrDuplicateReport
				}
				return fmt.Errorf("insert report: %w", err)
			}
		}

		var kind, output, detail sql.NullString
		var exitCode sql.NullInt64
		if f := o.Failure; f != nil {
			kind = sql.NullString{String: string(f.Kind), Valid: true}
			exitCode = sql.NullInt64{Int64: int64(f.ExitCode), Valid: true}
			output = sql.NullString{String: f.Output, Valid: f.Output != ""}
			detail = sql.NullString{String: f.Detail, Valid: f.Detail != ""}
		}
		finished := o.FinishedAt
		if finished.IsZero() {
			finished = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, s.q(`
UPDATE batch_projects
SET state=?, failure_kind=?, exit_code=?, output=?, detail=?, finished_at=?
WHERE batch_id=? AND project_id=?`),
			o.State, kind, exitCode, output, detail, finished, id, o.ProjectID,
		)
		if err != nil {
			return fmt.Errorf("update outcome: %w", err)
		}
		return nil
	})
}

func (s *Store) Outcomes(ctx context.Context, id batches.ID) ([]batches.Outcome, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT project_id, state, failure_kind, exit_code, output, detail, finished_at
FROM batch_projects WHERE batch_id=? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []batches.Outcome
	for rows.Next() {
		var o batches.Outcome
		var kind, output, detail sql.NullString
		var exitCode sql.NullInt64
		var finished sql.NullTime
		if err := rows.Scan(&o.ProjectID, &o.State, &kind, &exitCode, &output, &detail, &finished); err != nil {
			return nil, err
		}
		if kind.Valid {
			o.Failure = &batches.Failure{
				Kind:     batches.FailureKind(kind.String),
				ExitCode: int(exitCode.Int64),
				Output:   output.String,
				Detail:   detail.String,
			}
		}
		if finished.Valid {
			o.FinishedAt = finished.Time.UTC()
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) Reports(ctx context.Context, id batches.ID) (map[projects.ID]*batches.Report, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, project_id, report, created_at FROM reports WHERE batch_id=?`), id)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := make(map[projects.ID]*batches.Report)
	for rows.Next() {
		r := &batches.Report{BatchID: id}
		var raw []byte
		if err := rows.Scan(&r.ID, &r.ProjectID, &raw, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &r.Values); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", r.ID, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out[r.ProjectID] = r
	}
	return out, rows.Err()
}

func (s *Store) exists(ctx context.Context, id batches.ID) error {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM batches WHERE id=?`), id).Scan(&n); err != nil {
		return fmt.Errorf("check batch %s: %w", id, err)
	}
	if n == 0 {
		return batches.ErrBatchNotFound
	}
	return nil
}
