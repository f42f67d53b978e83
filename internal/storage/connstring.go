package storage

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Kind identifies which backend a connection string selects.
type Kind int

const (
	// KindSQLite selects the embedded sqlite backend (file path or file: URI).
	KindSQLite Kind = iota
	// KindMySQL selects the mysql backend (mysql:// URL or raw DSN).
	KindMySQL
)

// ConnKind classifies a connection string. Anything that does not look like
// a mysql URL or DSN is treated as a sqlite path.
func ConnKind(connStr string) Kind {
	if strings.HasPrefix(connStr, "mysql://") {
		return KindMySQL
	}
	// Raw go-sql-driver DSN, e.g. user:pass@tcp(host:3306)/hive
	if strings.Contains(connStr, "@tcp(") || strings.Contains(connStr, "@unix(") {
		return KindMySQL
	}
	return KindSQLite
}

// SQLiteConnString builds a SQLite connection string with standard pragmas.
//
// Includes busy_timeout (prevents "database is locked" under concurrency),
// foreign_keys (enforces referential integrity), and time_format pragmas.
// Honors the HIVE_LOCK_TIMEOUT env var for busy timeout (default 30s).
// If readOnly is true, the connection is opened in read-only mode.
// If path is already a file: URI, pragmas are appended only if absent.
func SQLiteConnString(path string, readOnly bool) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}

	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("HIVE_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := int64(busy / time.Millisecond)

	if strings.HasPrefix(path, "file:") {
		conn := path
		sep := "?"
		if strings.Contains(conn, "?") {
			sep = "&"
		}
		if readOnly && !strings.Contains(conn, "mode=") {
			conn += sep + "mode=ro"
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=busy_timeout") {
			conn += fmt.Sprintf("%s_pragma=busy_timeout(%d)", sep, busyMs)
			sep = "&"
		}
		if !strings.Contains(conn, "_pragma=foreign_keys") {
			conn += sep + "_pragma=foreign_keys(ON)"
			sep = "&"
		}
		if !strings.Contains(conn, "_time_format=") {
			conn += sep + "_time_format=sqlite"
		}
		return conn
	}

	if readOnly {
		return fmt.Sprintf("file:%s?mode=ro&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite", path, busyMs)
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite", path, busyMs)
}

// MySQLDSN converts a mysql:// URL into a go-sql-driver DSN, or passes a raw
// DSN through. parseTime and a UTC location are forced in both cases: every
// timestamp in the schema is chain time, which is UTC.
func MySQLDSN(connStr string) (string, error) {
	if !strings.HasPrefix(connStr, "mysql://") {
		return appendDSNParams(connStr), nil
	}

	u, err := url.Parse(connStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql URL: %w", err)
	}

	var userinfo string
	if u.User != nil {
		userinfo = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			userinfo += ":" + pw
		}
		userinfo += "@"
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":3306"
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return "", fmt.Errorf("mysql URL %q has no database name", connStr)
	}

	dsn := fmt.Sprintf("%stcp(%s)/%s", userinfo, host, dbName)
	if q := u.RawQuery; q != "" {
		dsn += "?" + q
	}
	return appendDSNParams(dsn), nil
}

func appendDSNParams(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "parseTime=") {
		params = append(params, "parseTime=true")
	}
	if !strings.Contains(dsn, "loc=") {
		params = append(params, "loc=UTC")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
