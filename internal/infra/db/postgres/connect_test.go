package postgres

import (
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestDialectRebinds(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a=$1", Dialect.Rebind("SELECT 1 WHERE a=?"))
	assert.Contains(t, Schema, "JSONB")
}
