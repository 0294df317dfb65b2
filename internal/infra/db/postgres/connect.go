package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/sqlstore"
)

//go:embed schema.sql
var Schema string

var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Dollar:            true,
	IsUniqueViolation: isUniqueViolation,
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code.Name() == "unique_violation"
}

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	return sqlstore.Open(ctx, "postgres", dsn, time.Minute)
}

func NewStore(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlstore.Migrate(ctx, db, Schema)
}
