package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// InboxStore is the pgx-backed message inbox. The table is range-partitioned
// by month; partitions are created lazily on first insert into a month.
type InboxStore struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	ensured map[string]bool
}

// NewInboxStore creates the store.
func NewInboxStore(pool *pgxpool.Pool) *InboxStore {
	return &InboxStore{pool: pool, ensured: map[string]bool{}}
}

// ensurePartition creates the monthly partition covering at, once per process.
func (s *InboxStore) ensurePartition(ctx context.Context, at time.Time) error {
	from := time.Date(at.UTC().Year(), at.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	name := fmt.Sprintf("message_inbox_p%04d%02d", from.Year(), from.Month())

	s.mu.Lock()
	done := s.ensured[name]
	s.mu.Unlock()
	if done {
		return nil
	}

	to := from.AddDate(0, 1, 0)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF message_inbox FOR VALUES FROM ('%s') TO ('%s')`,
		name, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return err
	}

	s.mu.Lock()
	s.ensured[name] = true
	s.mu.Unlock()
	return nil
}

// Insert writes the message row and, for deduped messages, claims the key in
// the unpartitioned dedupe_keys table inside the same transaction. Partitioned
// tables cannot carry a global unique index on dedupe_key, so the side table
// is what makes concurrent same-key submissions collapse to one row.
func (s *InboxStore) Insert(ctx context.Context, msg domain.InboxMessage) error {
	const op = "InboxStore.Insert"
	if err := s.ensurePartition(ctx, msg.ReceivedAt); err != nil {
		return storeErr(op, err)
	}
	rc := msg.RequestContext

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback(ctx)

	if rc.DedupeKey != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO dedupe_keys (key, request_id, received_at)
			VALUES ($1,$2,$3)`, rc.DedupeKey, rc.RequestID, msg.ReceivedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicate
			}
			return storeErr(op, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO message_inbox (
			id, received_at, request_id, source_channel, source_endpoint_identity,
			source_sender_identity, source_thread_identity, dedupe_key, dedupe_strategy,
			raw_payload, normalized_text, direction, lifecycle_state, schema_version,
			processing_metadata, final_state_at, trace_id, session_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		msg.ID, msg.ReceivedAt, rc.RequestID, rc.SourceChannel, rc.SourceEndpointIdentity,
		rc.SourceSenderIdentity, rc.SourceThreadIdentity, rc.DedupeKey, rc.DedupeStrategy,
		msg.RawPayload, msg.NormalizedText, msg.Direction, msg.LifecycleState, msg.SchemaVersion,
		msg.ProcessingMetadata, msg.FinalStateAt, msg.TraceID, msg.SessionID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return storeErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *InboxStore) FindByDedupeKey(ctx context.Context, key string) (string, error) {
	const op = "InboxStore.FindByDedupeKey"
	var requestID string
	err := s.pool.QueryRow(ctx, `
		SELECT request_id FROM dedupe_keys WHERE key = $1`, key).Scan(&requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", storeErr(op, err)
	}
	return requestID, nil
}

func (s *InboxStore) Get(ctx context.Context, requestID string) (*domain.InboxMessage, error) {
	const op = "InboxStore.Get"
	var (
		msg domain.InboxMessage
		rc  domain.RequestContext
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, received_at, request_id, source_channel, source_endpoint_identity,
			source_sender_identity, source_thread_identity, dedupe_key, dedupe_strategy,
			raw_payload, normalized_text, direction, lifecycle_state, schema_version,
			processing_metadata, decomposition_out, dispatch_outcomes, response_summary,
			final_state_at, trace_id, session_id
		FROM message_inbox
		WHERE request_id = $1`, requestID).Scan(
		&msg.ID, &msg.ReceivedAt, &rc.RequestID, &rc.SourceChannel, &rc.SourceEndpointIdentity,
		&rc.SourceSenderIdentity, &rc.SourceThreadIdentity, &rc.DedupeKey, &rc.DedupeStrategy,
		&msg.RawPayload, &msg.NormalizedText, &msg.Direction, &msg.LifecycleState, &msg.SchemaVersion,
		&msg.ProcessingMetadata, &msg.DecompositionOut, &msg.DispatchOutcomes, &msg.ResponseSummary,
		&msg.FinalStateAt, &msg.TraceID, &msg.SessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	rc.ReceivedAt = msg.ReceivedAt
	msg.RequestContext = rc
	return &msg, nil
}

func (s *InboxStore) SetLifecycle(ctx context.Context, requestID, state, summary string) error {
	const op = "InboxStore.SetLifecycle"
	terminal := state == domain.InboxCompleted || state == domain.InboxErrored
	tag, err := s.pool.Exec(ctx, `
		UPDATE message_inbox
		SET lifecycle_state = $2,
			response_summary = CASE WHEN $3 <> '' THEN $3 ELSE response_summary END,
			final_state_at = CASE WHEN $4 THEN now() ELSE final_state_at END
		WHERE request_id = $1`, requestID, state, summary, terminal)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *InboxStore) AttachOutcome(ctx context.Context, requestID string, decomposition, outcomes json.RawMessage) error {
	const op = "InboxStore.AttachOutcome"
	tag, err := s.pool.Exec(ctx, `
		UPDATE message_inbox
		SET decomposition_out = COALESCE($2, decomposition_out),
			dispatch_outcomes = COALESCE($3, dispatch_outcomes)
		WHERE request_id = $1`, requestID, decomposition, outcomes)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
