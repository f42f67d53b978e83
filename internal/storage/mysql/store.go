// Package mysql implements the storage interface using MySQL.
//
// This is the production backend. It talks to a MySQL server over
// go-sql-driver and retries transient connection errors, so brief server
// restarts don't cascade into indexer failures.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/steemit/hivemind-go/internal/storage"
)

// Store implements the storage interface using a MySQL server.
type Store struct {
	db     *sql.DB
	dsn    string
	closed atomic.Bool
}

// Verify Store implements storage.Store at compile time
var _ storage.Store = (*Store)(nil)

const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryableError returns true if the error is a transient connection error
// that should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	// MySQL driver transient errors
	if strings.Contains(errStr, "driver: bad connection") {
		return true
	}
	if strings.Contains(errStr, "invalid connection") {
		return true
	}
	// Network transient errors (brief blips, not persistent failures)
	if strings.Contains(errStr, "broken pipe") {
		return true
	}
	if strings.Contains(errStr, "connection reset") {
		return true
	}
	// Server restarting: refused connections resolve within the backoff window
	if strings.Contains(errStr, "connection refused") {
		return true
	}
	// MySQL error 2013: mid-query disconnect
	if strings.Contains(errStr, "lost connection") {
		return true
	}
	// MySQL error 2006: idle connection timeout
	if strings.Contains(errStr, "gone away") {
		return true
	}
	// Go net package timeout on read/write
	if strings.Contains(errStr, "i/o timeout") {
		return true
	}
	return false
}

// withRetry executes an operation with retry for transient errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := newRetryBackoff()
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err // Retryable - backoff will retry
		}
		if err != nil {
			return backoff.Permanent(err) // Non-retryable - stop immediately
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// execContext wraps s.db.ExecContext with retry for transient errors.
func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// queryContext wraps s.db.QueryContext with retry for transient errors.
func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// queryRowContext wraps s.db.QueryRowContext with retry for transient errors.
// The scan function receives the *sql.Row and should call .Scan() on it.
func (s *Store) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		return scan(row)
	})
}

// New connects to the MySQL server named by connStr, which may be a
// mysql:// URL or a go-sql-driver DSN. The initial ping retries transient
// failures so the indexer survives starting before its database.
func New(ctx context.Context, connStr string) (*Store, error) {
	dsn, err := storage.MySQLDSN(connStr)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Keep connections fresher than typical wait_timeout settings so the
	// pool doesn't hand out half-dead connections.
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(3 * time.Minute)

	bo := newRetryBackoff()
	err = backoff.Retry(func() error {
		if perr := db.PingContext(ctx); perr != nil {
			if isRetryableError(perr) {
				return perr
			}
			return backoff.Permanent(perr)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	return &Store{db: db, dsn: dsn}, nil
}

// HasSchema reports whether the database has been initialized.
func (s *Store) HasSchema(ctx context.Context) (bool, error) {
	var n int
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&n)
	}, `SELECT COUNT(*) FROM information_schema.tables
	    WHERE table_schema = DATABASE() AND table_name = 'hive_blocks'`)
	if err != nil {
		return false, fmt.Errorf("failed to probe schema: %w", err)
	}
	return n > 0, nil
}

// EnsureSchema creates all tables and indexes. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(schema) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || isOnlyComments(stmt) {
			continue
		}
		if _, err := s.execContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}
