// Package jobstore persists job records in SQLite and enforces the job
// lifecycle state machine. It is the single source of truth for job identity
// and status and survives process restarts.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/book-expert/avatar-service/internal/core"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const defaultListLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id           TEXT PRIMARY KEY,
	status           TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed','cancelled')),
	progress         REAL NOT NULL DEFAULT 0.0,
	metadata         TEXT NOT NULL DEFAULT '{}',
	result_ref       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);
`

// Store is a SQLite-backed job store. All status changes go through guarded
// UPDATE statements so the legal-edge check and the write are a single atomic
// statement; two dispatchers can never both move one job out of pending.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if necessary) the job database at path. The
// connection is configured for single-writer use as SQLite expects.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open job database '%s': %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err = db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("enable WAL on '%s': %w", path, err)
	}

	if _, err = db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout on '%s': %w", path, err)
	}

	if _, err = db.Exec(schema); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			err = errors.Join(err, closeErr)
		}

		return nil, fmt.Errorf("initialize job schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close job database: %w", err)
	}

	return nil
}

// Create allocates an id and writes a pending record carrying the supplied
// metadata. The metadata is stored opaquely and returned verbatim on reads.
func (s *Store) Create(ctx context.Context, metadata map[string]string) (core.Job, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return core.Job{}, fmt.Errorf("encode job metadata: %w", err)
	}

	job := core.Job{
		ID:        uuid.NewString(),
		Status:    core.StatusPending,
		Metadata:  metadata,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(metaJSON),
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return core.Job{}, fmt.Errorf("%w: insert job: %v", core.ErrStoreUnavailable, err)
	}

	return job, nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (core.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, status, progress, metadata, result_ref, error_message,
		       cancel_requested, created_at, updated_at, started_at, completed_at
		FROM jobs WHERE job_id = ?`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Job{}, fmt.Errorf("job '%s': %w", id, core.ErrNotFound)
		}

		return core.Job{}, fmt.Errorf("%w: query job '%s': %v", core.ErrStoreUnavailable, id, err)
	}

	return job, nil
}

// List returns jobs ordered by creation time, newest first, optionally
// filtered by status. Pagination is not stable across concurrent inserts.
func (s *Store) List(ctx context.Context, status core.JobStatus, limit, offset int) ([]core.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT job_id, status, progress, metadata, result_ref, error_message,
		       cancel_requested, created_at, updated_at, started_at, completed_at
		FROM jobs`
	args := make([]any, 0, 3)

	if status != "" {
		query += ` WHERE status = ?`

		args = append(args, string(status))
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", core.ErrStoreUnavailable, err)
	}

	defer func() { _ = rows.Close() }()

	jobs := make([]core.Job, 0, limit)

	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job row: %w", scanErr)
		}

		jobs = append(jobs, job)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate jobs: %v", core.ErrStoreUnavailable, err)
	}

	return jobs, nil
}

// MarkProcessing transitions a pending job to processing. Exactly one caller
// can win this transition for a given job.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	now := s.now().UnixNano()

	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'processing',
		                started_at = COALESCE(started_at, ?),
		                updated_at = ?
		WHERE job_id = ? AND status = 'pending'`,
		now, now, id)
}

// SetProgress records progress for a processing job. Progress is monotone:
// a report lower than the stored value is dropped. Reports against jobs that
// are no longer processing are dropped as well.
func (s *Store) SetProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 {
		progress = 0
	}

	if progress > 1 {
		progress = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE job_id = ? AND status = 'processing' AND progress <= ?`,
		progress, s.now().UnixNano(), id, progress)
	if err != nil {
		return fmt.Errorf("%w: update progress for job '%s': %v", core.ErrStoreUnavailable, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("progress rows affected for job '%s': %w", id, err)
	}

	if affected == 0 {
		return s.ensureExists(ctx, id)
	}

	return nil
}

// Complete transitions a processing job to completed, recording the artifact
// reference.
func (s *Store) Complete(ctx context.Context, id, resultRef string) error {
	now := s.now().UnixNano()

	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'completed', progress = 1.0, result_ref = ?,
		                completed_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'processing'`,
		resultRef, now, now, id)
}

// Fail transitions a processing job to failed, capturing the error text.
func (s *Store) Fail(ctx context.Context, id, message string) error {
	now := s.now().UnixNano()

	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'failed', error_message = ?,
		                completed_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'processing'`,
		message, now, now, id)
}

// MarkCancelled transitions a processing job to cancelled. Used by workers
// when the cooperative cancel flag was honored, and to force-mark jobs whose
// engine ignored the flag and ran to completion.
func (s *Store) MarkCancelled(ctx context.Context, id, message string) error {
	now := s.now().UnixNano()

	return s.guardedUpdate(ctx, id, `
		UPDATE jobs SET status = 'cancelled', error_message = ?,
		                completed_at = ?, updated_at = ?
		WHERE job_id = ? AND status IN ('pending', 'processing')`,
		message, now, now, id)
}

// RequestCancel marks cancellation intent. A pending job is cancelled
// directly, never observing processing. A processing job has its cooperative
// flag set; the owning worker honors it at its next safe point. Terminal jobs
// are left untouched. The job's resulting status is returned.
func (s *Store) RequestCancel(ctx context.Context, id string) (core.JobStatus, error) {
	now := s.now().UnixNano()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', cancel_requested = 1,
		                completed_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'pending'`,
		now, now, id)
	if err != nil {
		return "", fmt.Errorf("%w: cancel pending job '%s': %v", core.ErrStoreUnavailable, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("cancel rows affected for job '%s': %w", id, err)
	}

	if affected == 0 {
		_, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested = 1, updated_at = ?
			WHERE job_id = ? AND status = 'processing'`,
			now, id)
		if err != nil {
			return "", fmt.Errorf("%w: flag cancel for job '%s': %v", core.ErrStoreUnavailable, id, err)
		}
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	return job.Status, nil
}

// CancelRequested reports whether cancellation has been requested for the
// job. Workers poll this at safe points.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int

	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE job_id = ?`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("job '%s': %w", id, core.ErrNotFound)
		}

		return false, fmt.Errorf("%w: query cancel flag for job '%s': %v", core.ErrStoreUnavailable, id, err)
	}

	return flag != 0, nil
}

// Delete removes a job record outright. Used to roll back a submission whose
// enqueue failed, so a rejected submission leaks no record.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete job '%s': %v", core.ErrStoreUnavailable, id, err)
	}

	return nil
}

// DeleteOlderThan bulk-deletes terminal jobs whose last update predates the
// retention cutoff, returning the number removed.
func (s *Store) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixNano()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: delete old jobs: %v", core.ErrStoreUnavailable, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleted rows affected: %w", err)
	}

	return deleted, nil
}

// guardedUpdate runs a status-guarded UPDATE. Zero affected rows means the
// requested edge was not legal from the job's current status, or the job does
// not exist; the two are distinguished for the caller.
func (s *Store) guardedUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: transition job '%s': %v", core.ErrStoreUnavailable, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected for job '%s': %w", id, err)
	}

	if affected == 0 {
		existsErr := s.ensureExists(ctx, id)
		if existsErr != nil {
			return existsErr
		}

		return fmt.Errorf("job '%s': %w", id, core.ErrInvalidTransition)
	}

	return nil
}

func (s *Store) ensureExists(ctx context.Context, id string) error {
	var one int

	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job '%s': %w", id, core.ErrNotFound)
		}

		return fmt.Errorf("%w: query job '%s': %v", core.ErrStoreUnavailable, id, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (core.Job, error) {
	var (
		job                  core.Job
		status, metaJSON     string
		cancelFlag           int
		createdNs, updatedNs int64
		startedNs, doneNs    sql.NullInt64
	)

	err := row.Scan(&job.ID, &status, &job.Progress, &metaJSON, &job.ResultRef,
		&job.Error, &cancelFlag, &createdNs, &updatedNs, &startedNs, &doneNs)
	if err != nil {
		return core.Job{}, err
	}

	job.Status = core.JobStatus(status)
	job.CancelRequested = cancelFlag != 0
	job.CreatedAt = time.Unix(0, createdNs).UTC()
	job.UpdatedAt = time.Unix(0, updatedNs).UTC()

	if startedNs.Valid {
		t := time.Unix(0, startedNs.Int64).UTC()
		job.StartedAt = &t
	}

	if doneNs.Valid {
		t := time.Unix(0, doneNs.Int64).UTC()
		job.CompletedAt = &t
	}

	job.Metadata = map[string]string{}
	if metaJSON != "" {
		err = json.Unmarshal([]byte(metaJSON), &job.Metadata)
		if err != nil {
			return core.Job{}, fmt.Errorf("decode metadata for job '%s': %w", job.ID, err)
		}
	}

	return job, nil
}
