// Package state persists the set of watched roots so the daemon can
// re-establish its watches after a restart.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the watchd state database.
const schema = `
CREATE TABLE IF NOT EXISTS watched_roots (
    path        TEXT PRIMARY KEY,
    fs_type     TEXT NOT NULL,
    watched_at  INTEGER NOT NULL
);
`

// WatchedRoot is one saved watch.
type WatchedRoot struct {
	Path      string
	FSType    string
	WatchedAt time.Time
}

// Store is the SQLite-backed state store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the state database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save replaces the saved watch list in a single transaction.
func (s *Store) Save(roots []WatchedRoot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM watched_roots`); err != nil {
		return fmt.Errorf("clear watch list: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO watched_roots (path, fs_type, watched_at)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range roots {
		if _, err := stmt.Exec(r.Path, r.FSType, r.WatchedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert watched root %s: %w", r.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load returns the saved watch list, ordered by path.
func (s *Store) Load() ([]WatchedRoot, error) {
	rows, err := s.db.Query(`
		SELECT path, fs_type, watched_at
		FROM watched_roots ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query watch list: %w", err)
	}
	defer rows.Close()

	var roots []WatchedRoot
	for rows.Next() {
		var r WatchedRoot
		var ns int64
		if err := rows.Scan(&r.Path, &r.FSType, &ns); err != nil {
			return nil, fmt.Errorf("scan watched root: %w", err)
		}
		r.WatchedAt = time.Unix(0, ns)
		roots = append(roots, r)
	}
	return roots, rows.Err()
}
