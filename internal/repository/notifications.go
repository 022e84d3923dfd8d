package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// NotificationStore is the pgx-backed outbound delivery audit log.
type NotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore creates the store.
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

func (s *NotificationStore) Insert(ctx context.Context, n domain.NotificationRecord) error {
	const op = "NotificationStore.Insert"
	var metadata []byte
	if len(n.Metadata) > 0 {
		metadata, _ = json.Marshal(n.Metadata)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, source_butler, channel, recipient, message, status, error, trace_id, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		n.ID, n.SourceButler, n.Channel, n.Recipient, n.Message, n.Status, n.Error, n.TraceID, metadata, n.CreatedAt)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *NotificationStore) Recent(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	const op = "NotificationStore.Recent"
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_butler, channel, recipient, message, status, error, trace_id, metadata, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.NotificationRecord
	for rows.Next() {
		var (
			n        domain.NotificationRecord
			metadata []byte
		)
		if err := rows.Scan(&n.ID, &n.SourceButler, &n.Channel, &n.Recipient, &n.Message,
			&n.Status, &n.Error, &n.TraceID, &metadata, &n.CreatedAt); err != nil {
			return nil, storeErr(op, err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &n.Metadata)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}
