package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/lock-tokens/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

const (
	pgUniqueViolation = "23505"

	// Named explicitly in schemaSQL.
	tokenConstraint = "lock_tokens_token_key"
)

var (
	_ leases.Store = (*Store)(nil)
	_ leases.Clock = (*Store)(nil)
)

// Store is a leases.Store backed by a single postgres table. It also implements leases.Clock using
// the database time, so every application server shares one notion of "now".
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Now(ctx context.Context) (time.Time, error) {
	if s == nil || s.pool == nil {
		return time.Time{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("leases/postgres: now: %w", err)
	}
	return now.UTC(), nil
}

// Create reclaims an expired row for the key and inserts l in one transaction. A concurrent creator
// that commits first makes the insert fail with a unique violation, reported as ErrAlreadyLocked. A
// violation of the token constraint is a token collision instead.
func (s *Store) Create(ctx context.Context, l leases.Lease, expiredBefore time.Time) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateKey(l.Key); err != nil {
		return leases.Lease{}, err
	}
	if l.Token == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		DELETE FROM lock_tokens
		WHERE resource_type = $1 AND resource_id = $2 AND acquired_at <= $3
	`, l.Key.Type, l.Key.ID, expiredBefore)
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: reclaim expired: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO lock_tokens (resource_type, resource_id, token, acquired_at, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, l.Key.Type, l.Key.ID, l.Token, l.AcquiredAt)
	if err != nil {
		if isTokenCollision(err) {
			return leases.Lease{}, fmt.Errorf("leases/postgres: insert: %w: %w", leases.ErrTokenCollision, err)
		}
		if isUniqueViolation(err) {
			return leases.Lease{}, leases.ErrAlreadyLocked
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isTokenCollision(err) {
			return leases.Lease{}, fmt.Errorf("leases/postgres: commit: %w: %w", leases.ErrTokenCollision, err)
		}
		if isUniqueViolation(err) {
			return leases.Lease{}, leases.ErrAlreadyLocked
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: commit: %w", err)
	}
	l.AcquiredAt = l.AcquiredAt.UTC()
	return l, nil
}

func (s *Store) Renew(ctx context.Context, key leases.Key, token string, now, validAfter time.Time) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateKey(key); err != nil {
		return leases.Lease{}, err
	}

	var acquiredAt time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE lock_tokens
		SET acquired_at = $4
		WHERE resource_type = $1 AND resource_id = $2 AND token = $3 AND acquired_at > $5
		RETURNING acquired_at
	`, key.Type, key.ID, token, now, validAfter).Scan(&acquiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, leases.ErrNotFound
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	return leases.Lease{
		Key:        key,
		Token:      token,
		AcquiredAt: acquiredAt.UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, key leases.Key) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateKey(key); err != nil {
		return leases.Lease{}, err
	}

	var (
		token      string
		acquiredAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT token, acquired_at
		FROM lock_tokens
		WHERE resource_type = $1 AND resource_id = $2
	`, key.Type, key.ID).Scan(&token, &acquiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, leases.ErrNotFound
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return leases.Lease{
		Key:        key,
		Token:      token,
		AcquiredAt: acquiredAt.UTC(),
	}, nil
}

func (s *Store) Delete(ctx context.Context, key leases.Key, token string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateKey(key); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM lock_tokens
		WHERE resource_type = $1 AND resource_id = $2 AND token = $3
	`, key.Type, key.ID, token)
	if err != nil {
		return false, fmt.Errorf("leases/postgres: delete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM lock_tokens WHERE acquired_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("leases/postgres: delete before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) List(ctx context.Context) ([]leases.Lease, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT resource_type, resource_id, token, acquired_at
		FROM lock_tokens
		ORDER BY resource_type ASC, resource_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("leases/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []leases.Lease
	for rows.Next() {
		var l leases.Lease
		if err := rows.Scan(&l.Key.Type, &l.Key.ID, &l.Token, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("leases/postgres: scan: %w", err)
		}
		l.AcquiredAt = l.AcquiredAt.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leases/postgres: list rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func validateKey(k leases.Key) error {
	if k.Type == "" || k.ID == "" {
		return leases.ErrInvalidInput
	}
	return nil
}

func isTokenCollision(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == tokenConstraint
}
