package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/bryanwahyu/analyzer-engine/internal/infra/db/sqlstore"
)

//go:embed schema.sql
var Schema string

// ER_DUP_ENTRY
const errDupEntry = 1062

var Dialect = sqlstore.Dialect{
	Name:              "mysql",
	IsUniqueViolation: isDuplicate,
}

func isDuplicate(err error) bool {
	var me *driver.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}

// Connect opens the pool, waiting up to a minute for the server.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	return sqlstore.Open(ctx, "mysql", dsn, time.Minute)
}

// NewStore returns the repositories backed by db.
func NewStore(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, Dialect)
}

func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlstore.Migrate(ctx, db, Schema)
}
