package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// AffinityStore is the pgx-backed routing_history table.
type AffinityStore struct {
	pool *pgxpool.Pool
}

// NewAffinityStore creates the store.
func NewAffinityStore(pool *pgxpool.Pool) *AffinityStore {
	return &AffinityStore{pool: pool}
}

func (s *AffinityStore) Record(ctx context.Context, r domain.RoutingRecord) error {
	const op = "AffinityStore.Record"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO routing_history (channel, thread_id, butler, routed_at)
		VALUES ($1,$2,$3,$4)`,
		r.Channel, r.ThreadID, r.Butler, r.RoutedAt)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *AffinityStore) History(ctx context.Context, channel, threadID string) ([]domain.RoutingRecord, error) {
	const op = "AffinityStore.History"
	rows, err := s.pool.Query(ctx, `
		SELECT channel, thread_id, butler, routed_at
		FROM routing_history
		WHERE channel = $1 AND thread_id = $2
		ORDER BY routed_at DESC`, channel, threadID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.RoutingRecord
	for rows.Next() {
		var r domain.RoutingRecord
		if err := rows.Scan(&r.Channel, &r.ThreadID, &r.Butler, &r.RoutedAt); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}
