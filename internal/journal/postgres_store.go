package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS deposit_attempts (
    id TEXT PRIMARY KEY,
    account TEXT NOT NULL,
    amount TEXT NOT NULL,
    steps TEXT[] NOT NULL,
    state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    tx_hashes TEXT[] NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS deposit_attempts_account_idx
    ON deposit_attempts (lower(account), created_at DESC);
`

const selectColumns = `id, account, amount, steps, state, reason, error, tx_hashes, created_at, updated_at, expires_at`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM deposit_attempts WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if rec.expired(time.Now()) {
		go p.deleteID(context.Background(), id)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		return errors.New("journal record has no id")
	}
	var expiresAt *time.Time
	if !record.ExpiresAt.IsZero() {
		expiresAt = &record.ExpiresAt
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO deposit_attempts (id, account, amount, steps, state, reason, error, tx_hashes, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE
SET steps = EXCLUDED.steps,
    state = EXCLUDED.state,
    reason = EXCLUDED.reason,
    error = EXCLUDED.error,
    tx_hashes = EXCLUDED.tx_hashes,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
`, record.ID, record.Account, record.Amount, nonNil(record.Steps), record.State, record.Reason,
		record.Error, nonNil(record.TxHashes), record.CreatedAt, record.UpdatedAt, expiresAt)
	return err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, account string, limit int) ([]Record, error) {
	// LIMIT NULL is no limit.
	var bound *int
	if limit > 0 {
		bound = &limit
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+selectColumns+`
FROM deposit_attempts
WHERE lower(account) = lower($1)
  AND (expires_at IS NULL OR expires_at > now())
ORDER BY created_at DESC
LIMIT $2
`, account, bound)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		expiresAt *time.Time
	)
	err := row.Scan(&rec.ID, &rec.Account, &rec.Amount, &rec.Steps, &rec.State, &rec.Reason,
		&rec.Error, &rec.TxHashes, &rec.CreatedAt, &rec.UpdatedAt, &expiresAt)
	if err != nil {
		return Record{}, err
	}
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	return rec, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (p *PostgresStore) deleteID(ctx context.Context, id string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM deposit_attempts WHERE id = $1`, id)
}
