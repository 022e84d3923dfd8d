package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// DeliveryStore is the pgx-backed delivery engine storage. The unique index
// on idempotency_key is the at-most-once guarantee: concurrent duplicates
// lose the insert race and replay the winner's row.
type DeliveryStore struct {
	pool *pgxpool.Pool
}

// NewDeliveryStore creates the store.
func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

func (s *DeliveryStore) Create(ctx context.Context, r domain.DeliveryRequest) error {
	const op = "DeliveryStore.Create"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_requests (
			id, idempotency_key, request_id, origin_butler, channel, intent,
			target_identity, message_content, subject, request_envelope, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.IdempotencyKey, r.RequestID, r.OriginButler, r.Channel, r.Intent,
		r.TargetIdentity, r.MessageContent, r.Subject, r.RequestEnvelope, r.Status, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return storeErr(op, err)
	}
	return nil
}

func (s *DeliveryStore) Load(ctx context.Context, idempotencyKey string) (*domain.DeliveryRequest, error) {
	const op = "DeliveryStore.Load"
	var r domain.DeliveryRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, idempotency_key, request_id, origin_butler, channel, intent,
			target_identity, message_content, subject, request_envelope, status,
			terminal_error_class, terminal_error_message, terminal_at, created_at
		FROM delivery_requests
		WHERE idempotency_key = $1`, idempotencyKey).Scan(
		&r.ID, &r.IdempotencyKey, &r.RequestID, &r.OriginButler, &r.Channel, &r.Intent,
		&r.TargetIdentity, &r.MessageContent, &r.Subject, &r.RequestEnvelope, &r.Status,
		&r.TerminalErrorClass, &r.TerminalErrorMessage, &r.TerminalAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &r, nil
}

func (s *DeliveryStore) Advance(ctx context.Context, id string) error {
	const op = "DeliveryStore.Advance"
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_requests SET status = $2
		WHERE id = $1 AND status = $3`,
		id, domain.DeliveryInProgress, domain.DeliveryPending)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(op, domain.ErrStateConflict, "request not in pending")
	}
	return nil
}

func (s *DeliveryStore) Terminate(ctx context.Context, id, status, errClass, errMsg string, at time.Time) error {
	const op = "DeliveryStore.Terminate"
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_requests
		SET status = $2, terminal_error_class = $3, terminal_error_message = $4, terminal_at = $5
		WHERE id = $1 AND status = $6`,
		id, status, errClass, errMsg, at, domain.DeliveryInProgress)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(op, domain.ErrStateConflict, "request already terminal")
	}
	return nil
}

func (s *DeliveryStore) InsertReceipt(ctx context.Context, rec domain.DeliveryReceipt) error {
	const op = "DeliveryStore.InsertReceipt"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_receipts (delivery_request_id, provider_delivery_id, receipt_type, received_at, metadata)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.DeliveryRequestID, rec.ProviderDeliveryID, rec.ReceiptType, rec.ReceivedAt, rec.Metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return storeErr(op, err)
	}
	return nil
}

func (s *DeliveryStore) SentReceipt(ctx context.Context, deliveryRequestID string) (*domain.DeliveryReceipt, error) {
	const op = "DeliveryStore.SentReceipt"
	var rec domain.DeliveryReceipt
	err := s.pool.QueryRow(ctx, `
		SELECT delivery_request_id, provider_delivery_id, receipt_type, received_at, metadata
		FROM delivery_receipts
		WHERE delivery_request_id = $1 AND receipt_type = $2`,
		deliveryRequestID, domain.ReceiptSent).Scan(
		&rec.DeliveryRequestID, &rec.ProviderDeliveryID, &rec.ReceiptType, &rec.ReceivedAt, &rec.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &rec, nil
}
