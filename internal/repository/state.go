package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// StateStore is the pgx-backed KV state table.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates the store.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

func (s *StateStore) Get(ctx context.Context, key string) (*domain.StateEntry, error) {
	const op = "StateStore.Get"
	var e domain.StateEntry
	err := s.pool.QueryRow(ctx, `
		SELECT key, value, version, updated_at FROM state WHERE key = $1`, key).
		Scan(&e.Key, &e.Value, &e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &e, nil
}

func (s *StateStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	const op = "StateStore.Set"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO state (key, value, version, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = state.version + 1,
			updated_at = now()`, key, value)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *StateStore) Delete(ctx context.Context, key string) error {
	const op = "StateStore.Delete"
	if _, err := s.pool.Exec(ctx, `DELETE FROM state WHERE key = $1`, key); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *StateStore) ListPrefix(ctx context.Context, prefix string) ([]domain.StateEntry, error) {
	const op = "StateStore.ListPrefix"
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, version, updated_at FROM state
		WHERE key LIKE $1 || '%'
		ORDER BY key`, prefix)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.StateEntry
	for rows.Next() {
		var e domain.StateEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &e.UpdatedAt); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}
