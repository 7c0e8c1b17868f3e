package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite runs in WAL mode with a single writer connection and a small
// read-only pool. The busy timeout absorbs lock contention between the
// writer and the readers.
const (
	sqliteBusyTimeout = 5 * time.Second
	sqliteReaderConns = 4
)

// OpenSQLite opens the writer connection. The database file and its
// parent directory are created if missing.
func OpenSQLite(path string) (*sql.DB, error) {
	abs := absSQLitePath(path)
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(abs, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	// One connection total: writes serialize here instead of failing
	// with SQLITE_BUSY under concurrent task persistence.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read-only pool over the same file.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(path), "ro"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// sqliteDSN builds the connection string. WAL and synchronous level are
// database-wide, so the reader inherits what the writer set.
func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf("file:%s?_mode=%s&_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond))
	if mode != "ro" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
