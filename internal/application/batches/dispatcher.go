package batches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/analyzer-engine/internal/application"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	domain "github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

// Dispatcher accepts run requests and answers status queries.
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	Batches   domain.Repository
	Analyzers analyzers.Repository
	Projects  projects.Repository
	Queue     domain.Queue
	Clock     application.Clock
	Metrics   *telemetry.Metrics

	// MaxProjects limits the size of one batch; 0 means unlimited.
	MaxProjects int
}

//
// ==== USE CASES ====
//

// RunRequest asks for one analyzer to run over a set of projects.
type RunRequest struct {
	AnalyzerID   analyzers.ID          `json:"analyzer_id"`
	AssignmentID projects.AssignmentID `json:"assignment_id"`
	ProjectIDs   []projects.ID         `json:"project_ids"`
}

// ProjectStatus is the state of one project within a batch.
type ProjectStatus struct {
	ProjectID  projects.ID         `json:"project_id"`
	State      domain.OutcomeState `json:"state"`
	Failure    *domain.Failure     `json:"failure,omitempty"`
	Report     map[string]any      `json:"report,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// BatchStatus is the answer to a status query.
type BatchStatus struct {
	Batch    *domain.Batch   `json:"batch"`
	Outcomes []ProjectStatus `json:"outcomes"`
}

// SubmitRun validates req, persists a PENDING batch and queues it. Every
// referential check happens before anything is written.
func (d *Dispatcher) SubmitRun(ctx context.Context, req RunRequest) (domain.ID, error) {
	if err := d.validate(req); err != nil {
		return "", err
	}

	if _, err := d.Analyzers.GetAnalyzer(ctx, req.AnalyzerID); err != nil {
		if errors.Is(err, analyzers.ErrAnalyzerNotFound) {
			return "", &domain.NotFoundError{Kind: "analyzer", ID: int64(req.AnalyzerID)}
		}
		return "", fmt.Errorf("check analyzer: %w", err)
	}

	ok, err := d.Projects.AssignmentExists(ctx, req.AssignmentID)
	if err != nil {
		return "", fmt.Errorf("check assignment: %w", err)
	}
	if !ok {
		return "", &domain.NotFoundError{Kind: "assignment", ID: int64(req.AssignmentID)}
	}

	ids := dedupe(req.ProjectIDs)
	var missing []projects.ID
	for _, pid := range ids {
		if _, err := d.Projects.GetProject(ctx, pid); err != nil {
			if errors.Is(err, projects.ErrProjectNotFound) {
				missing = append(missing, pid)
				continue
			}
			return "", fmt.Errorf("check project %d: %w", pid, err)
		}
	}
	if len(missing) > 0 {
		return "", &domain.InvalidProjectsError{IDs: missing}
	}

	now := d.now()
	b := &domain.Batch{
		ID:           domain.ID(uuid.New().String()),
		AssignmentID: req.AssignmentID,
		AnalyzerID:   req.AnalyzerID,
		ProjectIDs:   ids,
		Status:       domain.StatusPending,
		Timestamp:    now,
		UpdatedAt:    now,
	}
	if err := d.Batches.Create(ctx, b); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}

	if err := d.Queue.Enqueue(ctx, b.ID); err != nil {
		msg := fmt.Sprintf("enqueue: %v", err)
		if uerr := d.Batches.UpdateStatus(context.WithoutCancel(ctx), b.ID, domain.StatusFailed, msg); uerr != nil {
			logger.WithError(uerr).WithField("batch", b.ID).Error("mark unqueued batch failed")
		}
		d.Metrics.BatchFinished(string(domain.StatusFailed))
		return "", fmt.Errorf("enqueue batch %s: %w", b.ID, err)
	}

	d.Metrics.BatchSubmitted()
	logger.WithField("batch", b.ID).WithField("projects", len(ids)).Info("batch submitted")
	return b.ID, nil
}

// GetBatchStatus returns the batch with each project's outcome and report.
// It never mutates state.
func (d *Dispatcher) GetBatchStatus(ctx context.Context, id domain.ID) (*BatchStatus, error) {
	b, err := d.Batches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	outcomes, err := d.Batches.Outcomes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	reports, err := d.Batches.Reports(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}

	byProject := make(map[projects.ID]domain.Outcome, len(outcomes))
	for _, o := range outcomes {
		byProject[o.ProjectID] = o
	}
	st := &BatchStatus{Batch: b, Outcomes: make([]ProjectStatus, 0, len(b.ProjectIDs))}
	for _, pid := range b.ProjectIDs {
		ps := ProjectStatus{ProjectID: pid, State: domain.OutcomePending}
		if o, ok := byProject[pid]; ok {
			ps.State = o.State
			ps.Failure = o.Failure
			if !o.FinishedAt.IsZero() {
				at := o.FinishedAt
				ps.FinishedAt = &at
			}
		}
		if r, ok := reports[pid]; ok && r != nil {
			ps.Report = r.Values
		}
		st.Outcomes = append(st.Outcomes, ps)
	}
	return st, nil
}

// CancelBatch asks the coordinator to stop before its next project.
func (d *Dispatcher) CancelBatch(ctx context.Context, id domain.ID) error {
	b, err := d.Batches.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	if err := d.Batches.RequestCancel(ctx, id); err != nil {
		return err
	}
	logger.WithField("batch", id).Info("cancellation requested")
	return nil
}

func (d *Dispatcher) validate(req RunRequest) error {
	if req.AnalyzerID <= 0 {
		return &domain.ValidationError{Field: "analyzer_id", Reason: "must be positive"}
	}
	if req.AssignmentID <= 0 {
		return &domain.ValidationError{Field: "assignment_id", Reason: "must be positive"}
	}
	if len(req.ProjectIDs) == 0 {
		return &domain.ValidationError{Field: "project_ids", Reason: "must not be empty"}
	}
	if d.MaxProjects > 0 && len(req.ProjectIDs) > d.MaxProjects {
		return &domain.ValidationError{Field: "project_ids", Reason: fmt.Sprintf("at most %d projects per batch", d.MaxProjects)}
	}
	for _, pid := range req.ProjectIDs {
		if pid <= 0 {
			return &domain.ValidationError{Field: "project_ids", Reason: fmt.Sprintf("invalid id %d", pid)}
		}
	}
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

// dedupe removes repeated ids, keeping first occurrences in order.
func dedupe(ids []projects.ID) []projects.ID {
	seen := make(map[projects.ID]struct{}, len(ids))
	out := make([]projects.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
