package repository

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the ledger's database handle and smooths over driver differences
type DB struct {
	*sql.DB
	driver string
}

// NewDB opens and pings the ledger database
func NewDB(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if driver == DriverSQLite {
		// every connection to an in-memory database is a separate database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, errors.WrapWithDetails(err, "failed to ping database", "driver", driver)
	}

	return &DB{DB: sqlDB, driver: driver}, nil
}

// Driver returns the driver name the database was opened with
func (db *DB) Driver() string {
	return db.driver
}

// rebind rewrites $n placeholders into the form the driver expects
func (db *DB) rebind(query string) string {
	if db.driver != DriverSQLite {
		return query
	}

	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		n, _ := strconv.Atoi(query[i+1 : j])
		b.WriteString("?" + strconv.Itoa(n))
		i = j - 1
	}
	return b.String()
}

// RunMigrations creates the ledger tables if they don't exist
func (db *DB) RunMigrations(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			provider_job_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (owner_id, model_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_models_owner ON models (owner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			state TEXT NOT NULL,
			archive_url TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			training_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_owner ON submissions (owner_id, state)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to run migration")
		}
	}
	return nil
}
