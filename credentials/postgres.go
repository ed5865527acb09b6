package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vidserve/models"
	"vidserve/utils"

	"github.com/lib/pq"
)

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	id              UUID PRIMARY KEY,
	name            TEXT NOT NULL,
	key_prefix      TEXT NOT NULL,
	key_hash        TEXT NOT NULL UNIQUE,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at      TIMESTAMPTZ,
	per_minute      INTEGER NOT NULL CHECK (per_minute >= 0),
	per_hour        INTEGER NOT NULL CHECK (per_hour >= 0),
	per_day         INTEGER NOT NULL CHECK (per_day >= 0),
	allowed_formats TEXT[],
	allowed_ips     TEXT[],
	usage_count     BIGINT NOT NULL DEFAULT 0,
	last_used_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL
)`

const credentialColumns = `id, name, key_prefix, key_hash, active, expires_at,
	per_minute, per_hour, per_day, allowed_formats, allowed_ips,
	usage_count, last_used_at, created_at`

// PostgresStore keeps credentials in the credentials table
type PostgresStore struct {
	db       *sql.DB
	defaults models.RateLimits
	now      func() time.Time
}

// NewPostgresStore uses an open database and creates the table if needed
func NewPostgresStore(ctx context.Context, db *sql.DB, defaults models.RateLimits) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, credentialsSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate credentials table: %w", err)
	}
	return &PostgresStore{db: db, defaults: defaults, now: time.Now}, nil
}

func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (*models.Credential, string, error) {
	cred, key, err := newCredential(p, s.defaults, s.now())
	if err != nil {
		return nil, "", err
	}

	query := `INSERT INTO credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = s.db.ExecContext(ctx, query,
		cred.ID,
		cred.Name,
		cred.KeyPrefix,
		cred.KeyHash,
		cred.Active,
		cred.ExpiresAt,
		cred.Limits.PerMinute,
		cred.Limits.PerHour,
		cred.Limits.PerDay,
		pq.Array(formatsToStrings(cred.AllowedFormats)),
		pq.Array(cred.AllowedIPs),
		cred.UsageCount,
		cred.LastUsedAt,
		cred.CreatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert credential: %w", err)
	}
	return cred, key, nil
}

func (s *PostgresStore) Validate(ctx context.Context, key string) (*models.Credential, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE key_hash = $1`, utils.HashAPIKey(key))
	return scanCredential(row)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id::text = $1`, id)
	return scanCredential(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET active = FALSE WHERE id::text = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *PostgresStore) RecordUsage(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET usage_count = usage_count + 1, last_used_at = $2 WHERE id::text = $1`, id, now)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the *sql.DB is owned by the caller
func (s *PostgresStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var cred models.Credential
	var expiresAt, lastUsedAt sql.NullTime
	var formats, ips pq.StringArray

	err := row.Scan(
		&cred.ID,
		&cred.Name,
		&cred.KeyPrefix,
		&cred.KeyHash,
		&cred.Active,
		&expiresAt,
		&cred.Limits.PerMinute,
		&cred.Limits.PerHour,
		&cred.Limits.PerDay,
		&formats,
		&ips,
		&cred.UsageCount,
		&lastUsedAt,
		&cred.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		cred.LastUsedAt = &lastUsedAt.Time
	}
	if formats != nil {
		cred.AllowedFormats = make([]models.Format, len(formats))
		for i, f := range formats {
			cred.AllowedFormats[i] = models.Format(f)
		}
	}
	if ips != nil {
		cred.AllowedIPs = []string(ips)
	}
	return &cred, nil
}

func formatsToStrings(formats []models.Format) []string {
	if formats == nil {
		return nil
	}
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = string(f)
	}
	return out
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
