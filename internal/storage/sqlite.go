package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"keyserver/internal/keystore"
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS activations (
		key       TEXT PRIMARY KEY,
		status    TEXT NOT NULL,
		activated TEXT NOT NULL DEFAULT '',
		expiry    TEXT NOT NULL DEFAULT 'permanent',
		months    INTEGER NOT NULL DEFAULT 0,
		resume    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS stats (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		total_keys     INTEGER NOT NULL DEFAULT 0,
		active_keys    INTEGER NOT NULL DEFAULT 0,
		suspended_keys INTEGER NOT NULL DEFAULT 0,
		inactive_keys  INTEGER NOT NULL DEFAULT 0
	)`,
	`INSERT OR IGNORE INTO stats (id) VALUES (1)`,
	`CREATE INDEX IF NOT EXISTS idx_activations_status ON activations(status)`,
}

// SQLiteStore keeps one row per key.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

// Name implements Backend.
func (s *SQLiteStore) Name() string { return BackendSQLite }

// Load reads every row.
func (s *SQLiteStore) Load(ctx context.Context) (*keystore.Snapshot, error) {
	doc, err := loadRows(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return DecodeDocument(doc)
}

// Save replaces every row inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *keystore.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := replaceRows(ctx, tx, EncodeSnapshot(snap)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update reads, changes and rewrites the table in one write transaction.
// The transaction opens with a write so SQLite takes its writer lock before
// anything is read; another process updating the same file waits on
// busy_timeout instead of reading rows that are about to change.
func (s *SQLiteStore) Update(ctx context.Context, fn func(*keystore.Snapshot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE stats SET id = id WHERE id = 1`); err != nil {
		return fmt.Errorf("lock database: %w", err)
	}

	doc, err := loadRows(ctx, tx)
	if err != nil {
		return err
	}
	snap, err := DecodeDocument(doc)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	if err := replaceRows(ctx, tx, EncodeSnapshot(snap)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadRows(ctx context.Context, q queryer) (*Document, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT key, status, activated, expiry, months, resume FROM activations`)
	if err != nil {
		return nil, fmt.Errorf("query activations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	doc := NewDocument()
	for rows.Next() {
		var (
			key    string
			rd     RecordDocument
			resume sql.NullString
		)
		if err := rows.Scan(&key, &rd.Status, &rd.Activated, &rd.Expiry, &rd.Months, &resume); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		rd.Resume = resume.String
		doc.Activations[key] = rd
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activations: %w", err)
	}
	return doc, nil
}

func replaceRows(ctx context.Context, tx *sql.Tx, doc *Document) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM activations`); err != nil {
		return fmt.Errorf("clear activations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO activations (key, status, activated, expiry, months, resume)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for key, rd := range doc.Activations {
		var resume sql.NullString
		if rd.Resume != "" {
			resume = sql.NullString{String: rd.Resume, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, key, rd.Status, rd.Activated, rd.Expiry, rd.Months, resume); err != nil {
			return fmt.Errorf("insert activation: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stats SET total_keys = ?, active_keys = ?, suspended_keys = ?, inactive_keys = ? WHERE id = 1`,
		doc.Stats.TotalKeys, doc.Stats.ActiveKeys, doc.Stats.SuspendedKeys, doc.Stats.InactiveKeys); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	return nil
}

// StoredStats returns the statistics row as last written.
func (s *SQLiteStore) StoredStats(ctx context.Context) (StatsDocument, error) {
	var st StatsDocument
	err := s.db.QueryRowContext(ctx,
		`SELECT total_keys, active_keys, suspended_keys, inactive_keys FROM stats WHERE id = 1`).
		Scan(&st.TotalKeys, &st.ActiveKeys, &st.SuspendedKeys, &st.InactiveKeys)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// Ping implements Backend.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements Backend.
func (s *SQLiteStore) Close() error { return s.db.Close() }
