// Package sqlite implements the storage interface using SQLite.
//
// This backend is intended for development, tests, and small deployments.
// Production indexers should use the mysql backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/steemit/hivemind-go/internal/storage"
)

// Store implements the storage interface using an embedded SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// Verify Store implements storage.Store at compile time
var _ storage.Store = (*Store)(nil)

// setupWASMCache configures WASM compilation caching to reduce SQLite
// startup time. wazero keys the cache by its own version, so stale entries
// from old builds are ignored. Falls back to an in-memory cache if the
// filesystem cache cannot be created.
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "hivemind", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	// Avoid the ~200ms JIT compilation overhead on every process start
	_ = setupWASMCache()
}

// New opens the SQLite database at path, creating the file if necessary.
// The schema is not created automatically; callers run EnsureSchema.
func New(ctx context.Context, path string) (*Store, error) {
	return open(ctx, path, false)
}

// NewReadOnly opens an existing SQLite database without write access.
// Used by the read API server so it can never interfere with the indexer.
func NewReadOnly(ctx context.Context, path string) (*Store, error) {
	return open(ctx, path, true)
}

func open(ctx context.Context, path string, readOnly bool) (*Store, error) {
	// For :memory: databases, use shared cache so multiple connections see
	// the same data. WAL mode doesn't work with shared in-memory databases,
	// so use DELETE mode there.
	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	switch {
	case path == ":memory:":
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = storage.SQLiteConnString(path, readOnly)
	default:
		if !readOnly {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		connStr = storage.SQLiteConnString(path, readOnly)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// SQLite's in-memory databases are isolated per connection by
		// default; a single pooled connection keeps every caller on the
		// same database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL mode supports 1 writer + N readers. Cap the pool so write
		// lock contention doesn't pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory && !readOnly {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err = filepath.Abs(path)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// HasSchema reports whether the database has been initialized.
func (s *Store) HasSchema(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'hive_blocks'`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe schema: %w", err)
	}
	return n > 0, nil
}

// EnsureSchema creates all tables and indexes. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection. It checkpoints the WAL so writes
// are not stranded in the log between process runs.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}
