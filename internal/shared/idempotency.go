package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists processed keys together with the id of the
// resource they produced, so a retried request returns the same result.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// Lookup returns the resource reference remembered for key.
func (s *IdempotencyStore) Lookup(ctx context.Context, module, key string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("idempotency store not initialised")
	}
	if err := validateKey(key, module); err != nil {
		return "", false, err
	}
	var ref string
	err := s.pool.QueryRow(ctx, `SELECT ref FROM idempotency_keys WHERE module=$1 AND key=$2`, module, key).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

// Remember stores key -> ref. A concurrent writer that lost the race gets
// ErrIdempotencyConflict.
func (s *IdempotencyStore) Remember(ctx context.Context, module, key, ref string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := validateKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, ref, created_at) VALUES ($1, $2, $3, $4)`, key, module, ref, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return err
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, module, key string) error {
	if s == nil {
		return nil
	}
	if err := validateKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE module=$1 AND key=$2`, module, key)
	return err
}

func validateKey(key, module string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	return nil
}
