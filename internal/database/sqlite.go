package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scribe/internal/database/migrations"
	"scribe/internal/scribe"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteJournal implements scribe.Journal using SQLite.
type SQLiteJournal struct {
	db   *sql.DB
	path string
}

// NewSQLiteJournal opens the journal at path and applies pending migrations.
// path can be a file path or ":memory:" for an in-memory journal.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}
	return &SQLiteJournal{db: db, path: path}, nil
}

// NewSQLiteJournalFromDB wraps an existing, migrated connection.
func NewSQLiteJournalFromDB(db *sql.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db}
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure journal (%s): %w", p, err)
		}
	}
	return db, nil
}

// Pending saves

func (s *SQLiteJournal) PutPending(ctx context.Context, p *scribe.PendingSave) error {
	snapshot, err := json.Marshal(p.Snapshot)
	if err != nil {
		return fmt.Errorf("encoding pending save: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_saves (project_id, owner_id, snapshot, fingerprint, queued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			snapshot = excluded.snapshot,
			fingerprint = excluded.fingerprint,
			queued_at = excluded.queued_at`,
		p.ProjectID, p.OwnerID, string(snapshot), p.Fingerprint, p.QueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("storing pending save: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) MarkSynced(ctx context.Context, projectID, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_saves WHERE project_id = ? AND fingerprint = ?",
		projectID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("clearing pending save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clearing pending save: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteJournal) DropPending(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_saves WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("dropping pending save: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) GetPending(ctx context.Context, projectID string) (*scribe.PendingSave, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, owner_id, snapshot, fingerprint, queued_at
		FROM pending_saves WHERE project_id = ?`, projectID)
	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding pending save: %w", err)
	}
	return p, nil
}

func (s *SQLiteJournal) ListPending(ctx context.Context) ([]*scribe.PendingSave, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, owner_id, snapshot, fingerprint, queued_at
		FROM pending_saves ORDER BY queued_at, project_id`)
	if err != nil {
		return nil, fmt.Errorf("listing pending saves: %w", err)
	}
	defer rows.Close()

	var result []*scribe.PendingSave
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("listing pending saves: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pending saves: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*scribe.PendingSave, error) {
	var (
		p        scribe.PendingSave
		snapshot string
	)
	if err := row.Scan(&p.ProjectID, &p.OwnerID, &snapshot, &p.Fingerprint, &p.QueuedAt); err != nil {
		return nil, err
	}
	p.Snapshot = &scribe.Project{}
	if err := json.Unmarshal([]byte(snapshot), p.Snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot of %s: %w", p.ProjectID, err)
	}
	return &p, nil
}

// Operation tracking

func (s *SQLiteJournal) CreateOperation(ctx context.Context, op *scribe.SyncOperation) error {
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}
	if op.Status == "" {
		op.Status = scribe.OperationRunning
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (started_at, operation, parameters, status, message)
		VALUES (?, ?, ?, ?, ?)`,
		op.StartedAt.UTC(), op.Operation, op.Parameters, op.Status, op.Message)
	if err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	op.ID = id
	return nil
}

func (s *SQLiteJournal) FinishOperation(ctx context.Context, id int64, status, message string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_operations SET status = ?, message = ?, finished_at = ? WHERE id = ?",
		status, message, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) ListOperations(ctx context.Context, limit int) ([]*scribe.SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, operation, parameters, status, message
		FROM sync_operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*scribe.SyncOperation
	for rows.Next() {
		var (
			op       scribe.SyncOperation
			finished sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.StartedAt, &finished, &op.Operation, &op.Parameters, &op.Status, &op.Message); err != nil {
			return nil, fmt.Errorf("listing operations: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		result = append(result, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return result, nil
}

// Path returns the journal file path (or ":memory:").
func (s *SQLiteJournal) Path() string {
	return s.path
}

// CheckMigrations verifies the journal schema is up-to-date.
func (s *SQLiteJournal) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a complete copy of the journal to destPath using VACUUM INTO.
func (s *SQLiteJournal) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up journal: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ scribe.Journal = (*SQLiteJournal)(nil)
