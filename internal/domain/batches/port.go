package batches

import (
	"context"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

// Repository port (interface untuk persistence batch, outcome, report)
type Repository interface {
	// Create stores a new batch together with a pending outcome per project.
	Create(ctx context.Context, b *Batch) error
	Get(ctx context.Context, id ID) (*Batch, error)

	// UpdateStatus moves the batch to status if the transition is allowed,
	// otherwise it returns ErrInvalidTransition. errMsg is kept as the batch error when not empty.
	UpdateStatus(ctx context.Context, id ID, status Status, errMsg string) error
	RequestCancel(ctx context.Context, id ID) error

	// RecordOutcome writes a project outcome once; report is persisted in the
	// same transaction when not nil.
	RecordOutcome(ctx context.Context, id ID, o Outcome, report *Report) error
	Outcomes(ctx context.Context, id ID) ([]Outcome, error)
	Reports(ctx context.Context, id ID) (map[projects.ID]*Report, error)
}

// Queue port (antrian batch ke worker)
type Queue interface {
	Enqueue(ctx context.Context, id ID) error
	// Dequeue blocks until a batch id is available or ctx is done.
	Dequeue(ctx context.Context) (ID, error)
}
