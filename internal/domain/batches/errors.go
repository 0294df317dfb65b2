package batches

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

var (
	ErrBatchNotFound     = errors.New("batch not found")
	ErrInvalidTransition = errors.New("invalid batch status transition")
	ErrAlreadyTerminal   = errors.New("batch already finished")
	ErrDuplicateReport   = errors.New("report already recorded for project")
	ErrOutcomeRecorded   = errors.New("outcome already recorded for project")
)

// NotFoundError is returned at submission time when a referenced entity is missing.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id %d not found", e.Kind, e.ID)
}

// InvalidProjectsError lists every requested project id that could not be resolved.
type InvalidProjectsError struct {
	IDs []projects.ID
}

func (e *InvalidProjectsError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = fmt.Sprint(int64(id))
	}
	return fmt.Sprintf("project(s) with id %s not found", strings.Join(ids, " "))
}

// ValidationError reports a malformed run request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
