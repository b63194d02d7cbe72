package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// openDB opens the catalog's SQLite file with the pragmas the single
// source of truth (spec.md §3) needs: WAL for concurrent readers during a
// writer transaction, a busy timeout instead of an immediate "database is
// locked", and foreign keys enforced since the schema relies on them for
// referential integrity between conversations/messages/facts.
func openDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create catalog directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if isCantOpenError(err) {
			return nil, diagnoseOpenError(path, err)
		}
		return nil, err
	}

	// SQLite serializes writes regardless of connection pool size; capping
	// the pool at one connection avoids "database is locked" races between
	// goroutines that would otherwise each open their own connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		if isCantOpenError(err) {
			return nil, diagnoseOpenError(path, err)
		}
		return nil, err
	}

	return db, nil
}

func isCantOpenError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

func diagnoseOpenError(path string, originalErr error) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("cannot create catalog at %q: directory %q does not exist", path, dir)
		}
		return fmt.Errorf("cannot create catalog at %q: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cannot create catalog at %q: %q is not a directory", path, dir)
	}
	return fmt.Errorf("cannot create catalog at %q: permission denied in %q (original error: %v)", path, dir, originalErr)
}
