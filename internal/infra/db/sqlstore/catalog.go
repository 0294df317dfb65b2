package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
)

func (s *Store) GetAnalyzer(ctx context.Context, id analyzers.ID) (*analyzers.Analyzer, error) {
	const q = `
SELECT id, name, creator, description, has_script, has_requirements
FROM analyzers WHERE id=?`
	var a analyzers.Analyzer
	err := s.db.QueryRowContext(ctx, s.q(q), id).Scan(
		&a.ID, &a.Name, &a.Creator, &a.Description, &a.HasScript, &a.HasRequirements,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, analyzers.ErrAnalyzerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analyzer %d: %w", id, err)
	}

	inRows, err := s.db.QueryContext(ctx, s.q(`
SELECT key_name, value_type FROM analyzer_inputs WHERE analyzer_id=? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("analyzer inputs: %w", err)
	}
	defer inRows.Close()
	for inRows.Next() {
		var in analyzers.Input
		if err := inRows.Scan(&in.KeyName, &in.ValueType); err != nil {
			return nil, err
		}
		a.Inputs = append(a.Inputs, in)
	}
	if err := inRows.Err(); err != nil {
		return nil, err
	}

	outRows, err := s.db.QueryContext(ctx, s.q(`
SELECT key_name, value_type, display_name, extended_metadata
FROM analyzer_outputs WHERE analyzer_id=? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("analyzer outputs: %w", err)
	}
	defer outRows.Close()
	for outRows.Next() {
		var out analyzers.Output
		var ext []byte
		if err := outRows.Scan(&out.KeyName, &out.ValueType, &out.DisplayName, &ext); err != nil {
			return nil, err
		}
		if len(ext) > 0 {
			out.ExtendedMetadata = json.RawMessage(ext)
		}
		a.Outputs = append(a.Outputs, out)
	}
	return &a, outRows.Err()
}

func (s *Store) GetProject(ctx context.Context, id projects.ID) (*projects.Project, error) {
	var p projects.Project
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, assignment_id, team_id FROM projects WHERE id=?`), id).
		Scan(&p.ID, &p.AssignmentID, &p.TeamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, projects.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return &p, nil
}

// GetProjectMetadata decodes each stored value as JSON; a value that is not
// valid JSON is returned as a plain string.
func (s *Store) GetProjectMetadata(ctx context.Context, id projects.ID) (projects.Metadata, error) {
	if _, err := s.GetProject(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT key_name, value FROM project_metadata WHERE project_id=?`), id)
	if err != nil {
		return nil, fmt.Errorf("project metadata: %w", err)
	}
	defer rows.Close()

	md := projects.Metadata{}
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			v = string(raw)
		}
		md[key] = v
	}
	return md, rows.Err()
}

func (s *Store) AssignmentExists(ctx context.Context, id projects.AssignmentID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM assignments WHERE id=?`), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check assignment %d: %w", id, err)
	}
	return n > 0, nil
}
