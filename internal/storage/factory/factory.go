// Package factory opens the storage backend selected by a connection
// string, so callers don't hard-code a backend choice.
package factory

import (
	"context"

	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/storage/mysql"
	"github.com/steemit/hivemind-go/internal/storage/sqlite"
)

// Options configures how the storage backend is opened.
type Options struct {
	// ReadOnly opens the database without write access. Only honored by
	// the sqlite backend; MySQL access control is the server's job.
	ReadOnly bool
}

// Open connects to the store selected by connStr: mysql:// URLs and
// go-sql-driver DSNs go to the mysql backend, anything else is treated as
// a sqlite path.
func Open(ctx context.Context, connStr string, opts Options) (storage.Store, error) {
	switch storage.ConnKind(connStr) {
	case storage.KindMySQL:
		return mysql.New(ctx, connStr)
	default:
		if opts.ReadOnly {
			return sqlite.NewReadOnly(ctx, connStr)
		}
		return sqlite.New(ctx, connStr)
	}
}
