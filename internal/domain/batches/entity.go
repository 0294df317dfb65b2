package batches

import (
	"time"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

// ID tipe untuk Batch
type ID string

// Aggregate Root: Batch, one run of an analyzer over a set of projects.
type Batch struct {
	ID              ID                    `json:"id"`
	AssignmentID    projects.AssignmentID `json:"assignment_id"`
	AnalyzerID      analyzers.ID          `json:"analyzer_id"`
	ProjectIDs      []projects.ID         `json:"project_ids"`
	Status          Status                `json:"status"`
	Timestamp       time.Time             `json:"timestamp"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CancelRequested bool                  `json:"cancel_requested"`
	Error           string                `json:"error,omitempty"`
}

// OutcomeState enum
type OutcomeState string

const (
	OutcomePending   OutcomeState = "pending"
	OutcomeSucceeded OutcomeState = "succeeded"
	OutcomeFailed    OutcomeState = "failed"
	OutcomeCancelled OutcomeState = "cancelled"
)

// FailureKind enum
type FailureKind string

const (
	FailureContract        FailureKind = "contract"
	FailureEnvironment     FailureKind = "environment"
	FailureTimeout         FailureKind = "timeout"
	FailureNonZeroExit     FailureKind = "nonzero_exit"
	FailureMalformedOutput FailureKind = "malformed_output"
	FailureExecution       FailureKind = "execution_error"
)

// Failure is the diagnostic kept for a failed project, enough to reproduce it.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	ExitCode int         `json:"exit_code"`
	Output   string      `json:"output,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// Outcome value object, one per (batch, project)
type Outcome struct {
	ProjectID  projects.ID  `json:"project_id"`
	State      OutcomeState `json:"state"`
	Failure    *Failure     `json:"failure,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Report holds the validated analyzer output for one project of one batch.
type Report struct {
	ID        string         `json:"id"`
	ProjectID projects.ID    `json:"project_id"`
	BatchID   ID             `json:"batch_id"`
	Values    map[string]any `json:"report"`
	CreatedAt time.Time      `json:"created_at"`
}
