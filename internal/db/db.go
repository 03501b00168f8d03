// Package db opens the credential database and runs its embedded migrations.
//
// Postgres is reached through the pgx stdlib driver; SQLite (modernc, pure Go) backs local
// runs and repository tests. Queries are written with Postgres-style $N placeholders and
// rebound per dialect.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open picks the driver from the URL scheme: postgres:// and postgresql:// use pgx,
// sqlite: uses modernc with the remainder as DSN (sqlite::memory:, sqlite://auth.db).
func Open(databaseURL string, pool PoolOptions) (*sql.DB, Dialect, error) {
	databaseURL = strings.TrimSpace(databaseURL)

	switch {
	case strings.HasPrefix(databaseURL, "sqlite:"):
		dsn := strings.TrimPrefix(strings.TrimPrefix(databaseURL, "sqlite://"), "sqlite:")
		if dsn == "" {
			return nil, SQLite, fmt.Errorf("empty sqlite dsn")
		}
		database, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, SQLite, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serializes writers; one connection also keeps :memory: databases alive.
		database.SetMaxOpenConns(1)
		database.SetConnMaxLifetime(0)
		database.SetConnMaxIdleTime(0)
		return database, SQLite, nil

	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		database, err := sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, Postgres, fmt.Errorf("open database: %w", err)
		}
		if pool.MaxOpenConns > 0 {
			database.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			database.SetMaxIdleConns(pool.MaxIdleConns)
		}
		database.SetConnMaxLifetime(pool.ConnMaxLifetime)
		database.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		return database, Postgres, nil
	}

	return nil, Postgres, fmt.Errorf("unsupported database url scheme")
}

// Rebind rewrites $N placeholders into ?N for SQLite, which binds ?NNN by position.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
