package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/memory"
)

// Seed is the catalog file format of the memory driver. Script and
// requirements paths are relative to the seed file.
type Seed struct {
	Analyzers []struct {
		ID           int64  `yaml:"id"`
		Name         string `yaml:"name"`
		Description  string `yaml:"description"`
		Script       string `yaml:"script"`
		Requirements string `yaml:"requirements"`
		Inputs       []struct {
			KeyName   string `yaml:"key_name"`
			ValueType string `yaml:"value_type"`
		} `yaml:"inputs"`
		Outputs []struct {
			KeyName     string         `yaml:"key_name"`
			ValueType   string         `yaml:"value_type"`
			DisplayName string         `yaml:"display_name"`
			Extended    map[string]any `yaml:"extended_metadata"`
		} `yaml:"outputs"`
	} `yaml:"analyzers"`
	Assignments []int64 `yaml:"assignments"`
	Projects    []struct {
		ID           int64          `yaml:"id"`
		AssignmentID int64          `yaml:"assignment_id"`
		TeamID       int64          `yaml:"team_id"`
		Metadata     map[string]any `yaml:"metadata"`
	} `yaml:"projects"`
}

// LoadSeed reads path and fills store.
func LoadSeed(path string, store *memory.Store) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	base := filepath.Dir(path)

	for _, a := range seed.Analyzers {
		an := &analyzers.Analyzer{
			ID:          analyzers.ID(a.ID),
			Name:        a.Name,
			Description: a.Description,
		}
		for _, in := range a.Inputs {
			input := analyzers.Input{KeyName: in.KeyName, ValueType: analyzers.InputType(in.ValueType)}
			if !input.ValueType.Valid() {
				return fmt.Errorf("seed analyzer %d: input %s has unknown type %q", a.ID, in.KeyName, in.ValueType)
			}
			an.Inputs = append(an.Inputs, input)
		}
		for _, o := range a.Outputs {
			out := analyzers.Output{
				KeyName:     o.KeyName,
				ValueType:   analyzers.OutputType(o.ValueType),
				DisplayName: o.DisplayName,
			}
			if !out.ValueType.Valid() {
				return fmt.Errorf("seed analyzer %d: output %s has unknown type %q", a.ID, o.KeyName, o.ValueType)
			}
			if o.Extended != nil {
				raw, err := json.Marshal(o.Extended)
				if err != nil {
					return fmt.Errorf("seed analyzer %d: %w", a.ID, err)
				}
				out.ExtendedMetadata = raw
			}
			an.Outputs = append(an.Outputs, out)
		}
		store.PutAnalyzer(an)

		script, err := readOptional(base, a.Script)
		if err != nil {
			return err
		}
		reqs, err := readOptional(base, a.Requirements)
		if err != nil {
			return err
		}
		store.PutArtifacts(an.ID, script, reqs)
	}

	for _, id := range seed.Assignments {
		store.PutAssignment(projects.AssignmentID(id))
	}
	for _, p := range seed.Projects {
		store.PutProject(projects.Project{
			ID:           projects.ID(p.ID),
			AssignmentID: projects.AssignmentID(p.AssignmentID),
			TeamID:       projects.TeamID(p.TeamID),
		}, projects.Metadata(p.Metadata))
	}
	logger.WithField("analyzers", len(seed.Analyzers)).WithField("projects", len(seed.Projects)).Info("seed loaded")
	return nil
}

func readOptional(base, name string) ([]byte, error) {
	if name == "" {
		return nil, nil
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(base, name)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("seed artifact: %w", err)
	}
	return data, nil
}
