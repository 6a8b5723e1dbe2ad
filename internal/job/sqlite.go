package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteArchive keeps terminal jobs after they are purged from the live store.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	a := &SQLiteArchive{db: db}
	if err = a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func (a *SQLiteArchive) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS archived_jobs (
			id              TEXT PRIMARY KEY,
			owner_ref       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			priority        INTEGER NOT NULL DEFAULT 0,
			payload         TEXT NOT NULL,
			status          TEXT NOT NULL,
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 0,
			result_ref      TEXT NOT NULL DEFAULT '',
			error_detail    TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL,
			assigned_at     DATETIME,
			completed_at    DATETIME,
			archived_at     DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archived_jobs_owner       ON archived_jobs(owner_ref);
		CREATE INDEX IF NOT EXISTS idx_archived_jobs_archived_at ON archived_jobs(archived_at);
	`)
	return err
}

// Archive writes terminal jobs in one transaction. Re-archiving an id overwrites it.
func (a *SQLiteArchive) Archive(ctx context.Context, jobs []*Job) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			return &InvalidTransitionError{ID: j.ID, From: j.Status, Op: "archive"}
		}
		payload, err := json.Marshal(j.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for job %s: %w", j.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO archived_jobs
				(id, owner_ref, kind, priority, payload, status, attempt_count, max_attempts,
				 result_ref, error_detail, created_at, assigned_at, completed_at, archived_at)
			VALUES
				(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			j.ID, j.OwnerRef, j.Kind, j.Priority, string(payload), j.Status,
			j.Attempts, j.MaxAttempts, j.ResultRef, j.Error,
			j.CreatedAt.UTC(), nullableTime(j.AssignedAt), nullableTime(j.CompletedAt), now,
		)
		if err != nil {
			return fmt.Errorf("archive job %s: %w", j.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

const archiveColumns = `id, owner_ref, kind, priority, payload, status, attempt_count, max_attempts,
	result_ref, error_detail, created_at, assigned_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var payload string
	var assignedAt, completedAt sql.NullTime
	if err := row.Scan(
		&j.ID, &j.OwnerRef, &j.Kind, &j.Priority, &payload, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.ResultRef, &j.Error,
		&j.CreatedAt, &assignedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for job %s: %w", j.ID, err)
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		j.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// Get returns an archived job or a NotFoundError.
func (a *SQLiteArchive) Get(ctx context.Context, id string) (*Job, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archived_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get archived job %s: %w", id, err)
	}
	return j, nil
}

// ListByOwner returns archived jobs for ownerRef ordered by created_at.
func (a *SQLiteArchive) ListByOwner(ctx context.Context, ownerRef string) ([]*Job, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT `+archiveColumns+`
		FROM archived_jobs
		WHERE owner_ref = ?
		ORDER BY created_at ASC
	`, ownerRef)
	if err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived jobs: %w", err)
	}
	return jobs, nil
}

// DeleteArchivedBefore drops rows archived before the cutoff.
func (a *SQLiteArchive) DeleteArchivedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM archived_jobs WHERE archived_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete archived jobs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
