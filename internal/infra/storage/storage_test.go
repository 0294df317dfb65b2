package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(t.TempDir())
	require.NoError(t, s.Put(7, ScriptFile, []byte("print(1)")))

	script, err := s.Script(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(script))

	_, err = s.Requirements(ctx, 7)
	assert.ErrorIs(t, err, analyzers.ErrArtifactNotFound)
	_, err = s.Script(ctx, 8)
	assert.ErrorIs(t, err, analyzers.ErrArtifactNotFound)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "analyzers/12/script.py", ObjectKey(12, ScriptFile))
	assert.Equal(t, "analyzers/12/requirements.txt", ObjectKey(12, RequirementsFile))
}
