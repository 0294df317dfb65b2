package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
)

// LocalStore reads artifacts laid out as <BaseDir>/<analyzer_id>/<file>.
type LocalStore struct {
	BaseDir string
}

func NewLocal(baseDir string) *LocalStore {
	return &LocalStore{BaseDir: baseDir}
}

func (s *LocalStore) Path(id analyzers.ID, file string) string {
	return filepath.Join(s.BaseDir, strconv.FormatInt(int64(id), 10), file)
}

func (s *LocalStore) Script(_ context.Context, id analyzers.ID) ([]byte, error) {
	return s.read(s.Path(id, ScriptFile))
}

func (s *LocalStore) Requirements(_ context.Context, id analyzers.ID) ([]byte, error) {
	return s.read(s.Path(id, RequirementsFile))
}

// Put writes an artifact, creating the analyzer directory.
func (s *LocalStore) Put(id analyzers.ID, file string, data []byte) error {
	p := s.Path(id, file)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *LocalStore) read(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, analyzers.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}
