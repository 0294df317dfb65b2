package analyzers

import (
	"context"
	"errors"
)

var (
	// ErrAnalyzerNotFound is returned when no analyzer has the requested id.
	ErrAnalyzerNotFound = errors.New("analyzer not found")
	// ErrArtifactNotFound is returned when an analyzer has no stored script or requirements file.
	ErrArtifactNotFound = errors.New("analyzer artifact not found")
)

// Repository port (read-only view of the analyzer catalog)
type Repository interface {
	GetAnalyzer(ctx context.Context, id ID) (*Analyzer, error)
}

// ArtifactStore port (uploaded analyzer files)
type ArtifactStore interface {
	Script(ctx context.Context, id ID) ([]byte, error)
	Requirements(ctx context.Context, id ID) ([]byte, error)
}
