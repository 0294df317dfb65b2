// Package contract narrows a project's metadata down to what an analyzer declares.
package contract

import (
	"context"
	"fmt"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

// Resolver implements the input contract lookup, safe for concurrent use.
type Resolver struct {
	Analyzers analyzers.Repository
	Projects  projects.Repository
}

// Resolve returns the inputs of analyzer id for project pid.
func (r *Resolver) Resolve(ctx context.Context, id analyzers.ID, pid projects.ID) (map[string]any, error) {
	a, err := r.Analyzers.GetAnalyzer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load analyzer %d: %w", id, err)
	}
	return r.ResolveFor(ctx, a, pid)
}

// ResolveFor is Resolve with an analyzer already loaded, used by the
// coordinator which snapshots the analyzer once per batch.
func (r *Resolver) ResolveFor(ctx context.Context, a *analyzers.Analyzer, pid projects.ID) (map[string]any, error) {
	md, err := r.Projects.GetProjectMetadata(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("load metadata of project %d: %w", pid, err)
	}
	return Filter(a.Inputs, md), nil
}

// Filter keeps the metadata keys the analyzer declares as inputs. Declared
// keys absent from the metadata are omitted.
func Filter(inputs []analyzers.Input, md projects.Metadata) map[string]any {
	out := make(map[string]any, len(inputs))
	for _, in := range inputs {
		if v, ok := md[in.KeyName]; ok {
			out[in.KeyName] = v
		}
	}
	return out
}
