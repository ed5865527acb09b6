package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vidserve/models"

	"github.com/lib/pq"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	source_url       TEXT NOT NULL,
	video_id         TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	thumbnail        TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0 CHECK (duration_seconds >= 0),
	format           TEXT NOT NULL,
	quality          TEXT,
	client_ip        TEXT NOT NULL DEFAULT '',
	user_agent       TEXT NOT NULL DEFAULT '',
	credential_id    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	output_path      TEXT,
	byte_size        BIGINT,
	error_message    TEXT,
	attempts         INTEGER NOT NULL DEFAULT 0,
	retry_at         TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_dedupe_idx ON jobs (source_url, format, client_ip, created_at);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE TABLE IF NOT EXISTS job_events (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL,
	from_status TEXT,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const jobColumns = `id, source_url, video_id, title, thumbnail, duration_seconds,
	format, quality, client_ip, user_agent, credential_id, status,
	output_path, byte_size, error_message, attempts, retry_at,
	created_at, started_at, completed_at`

// PostgresStore keeps jobs in the jobs table and records every status change
// in job_events
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore uses an open database and creates the tables if needed
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, jobsSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate jobs tables: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// OpenDB opens a Postgres connection pool with lib/pq
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) error {
	if job.Status != models.StatusPending {
		return fmt.Errorf("%w: new job must be pending, got %s", models.ErrInvalidTransition, job.Status)
	}
	if err := job.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r := toRecord(job)
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		recordArgs(r)...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrExists, job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if err := insertEvent(ctx, tx, job.ID, nil, job.Status, "job_created"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) Update(ctx context.Context, job *models.Job, expected models.JobStatus) error {
	if err := checkUpdate(job, expected); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r := toRecord(job)
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET
			title = $2, thumbnail = $3, duration_seconds = $4, video_id = $5,
			status = $6, output_path = $7, byte_size = $8, error_message = $9,
			attempts = $10, retry_at = $11, started_at = $12, completed_at = $13
		WHERE id = $1 AND status = $14`,
		r.ID, r.Title, r.Thumbnail, r.DurationSeconds, r.VideoID,
		r.Status, r.OutputPath, r.ByteSize, r.ErrorMessage,
		r.Attempts, r.RetryAt, r.StartedAt, r.CompletedAt,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, job.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStaleWrite, job.ID, status, expected)
	}

	if job.Status != expected {
		reason := "status_changed"
		if msg, ok := job.FailureMessage(); ok {
			reason = msg
		}
		if err := insertEvent(ctx, tx, job.ID, &expected, job.Status, reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) FindRecentDuplicate(ctx context.Context, key DedupeKey, since time.Time) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE source_url = $1 AND format = $2 AND client_ip = $3
			AND created_at >= $4 AND status <> $5
		ORDER BY created_at DESC
		LIMIT 1`,
		key.SourceURL, string(key.Format), key.ClientIP, since, string(models.StatusFailed))
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at`,
		pq.Array(names))
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	if f.Status != "" {
		return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			string(f.Status), limit)
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *PostgresStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	return s.query(ctx, `DELETE FROM jobs
		WHERE status IN ($1, $2) AND completed_at < $3
		RETURNING `+jobColumns,
		string(models.StatusCompleted), string(models.StatusFailed), cutoff)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the *sql.DB is owned by the caller
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, jobID string, from *models.JobStatus, to models.JobStatus, reason string) error {
	var fromStatus sql.NullString
	if from != nil {
		fromStatus = sql.NullString{String: string(*from), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, from_status, to_status, reason) VALUES ($1, $2, $3, $4)`,
		jobID, fromStatus, string(to), reason)
	if err != nil {
		return fmt.Errorf("failed to record job event: %w", err)
	}
	return nil
}

func recordArgs(r record) []interface{} {
	return []interface{}{
		r.ID, r.SourceURL, r.VideoID, r.Title, r.Thumbnail, r.DurationSeconds,
		r.Format, r.Quality, r.ClientIP, r.UserAgent, r.CredentialID, r.Status,
		r.OutputPath, r.ByteSize, r.ErrorMessage, r.Attempts, r.RetryAt,
		r.CreatedAt, r.StartedAt, r.CompletedAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var r record
	var quality, outputPath, errorMessage sql.NullString
	var byteSize sql.NullInt64
	var retryAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.SourceURL, &r.VideoID, &r.Title, &r.Thumbnail, &r.DurationSeconds,
		&r.Format, &quality, &r.ClientIP, &r.UserAgent, &r.CredentialID, &r.Status,
		&outputPath, &byteSize, &errorMessage, &r.Attempts, &retryAt,
		&r.CreatedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if quality.Valid {
		r.Quality = &quality.String
	}
	if outputPath.Valid {
		r.OutputPath = &outputPath.String
	}
	if byteSize.Valid {
		r.ByteSize = &byteSize.Int64
	}
	if errorMessage.Valid {
		r.ErrorMessage = &errorMessage.String
	}
	r.RetryAt = nullTime(retryAt)
	r.StartedAt = nullTime(startedAt)
	r.CompletedAt = nullTime(completedAt)
	return r.toJob()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
