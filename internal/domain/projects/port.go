package projects

import (
	"context"
	"errors"
)

// ErrProjectNotFound is returned when no project has the requested id.
var ErrProjectNotFound = errors.New("project not found")

// Repository port (read-only view of assignments and projects)
type Repository interface {
	GetProject(ctx context.Context, id ID) (*Project, error)
	GetProjectMetadata(ctx context.Context, id ID) (Metadata, error)
	AssignmentExists(ctx context.Context, id AssignmentID) (bool, error)
}
