package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// RouteInboxStore is the pgx-backed route inbox. Claim and Finish use CAS
// guards on lifecycle_state so concurrent workers cannot double-process.
type RouteInboxStore struct {
	pool *pgxpool.Pool
}

// NewRouteInboxStore creates the store.
func NewRouteInboxStore(pool *pgxpool.Pool) *RouteInboxStore {
	return &RouteInboxStore{pool: pool}
}

func (s *RouteInboxStore) Insert(ctx context.Context, e domain.RouteInboxEntry) error {
	const op = "RouteInboxStore.Insert"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO route_inbox (id, received_at, route_envelope, lifecycle_state)
		VALUES ($1,$2,$3,$4)`,
		e.ID, e.ReceivedAt, e.RouteEnvelope, e.LifecycleState)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return storeErr(op, err)
	}
	return nil
}

func (s *RouteInboxStore) Get(ctx context.Context, id string) (*domain.RouteInboxEntry, error) {
	const op = "RouteInboxStore.Get"
	var e domain.RouteInboxEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, received_at, route_envelope, lifecycle_state, claimed_at, processed_at, session_id, error
		FROM route_inbox WHERE id = $1`, id).
		Scan(&e.ID, &e.ReceivedAt, &e.RouteEnvelope, &e.LifecycleState, &e.ClaimedAt, &e.ProcessedAt, &e.SessionID, &e.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return &e, nil
}

func (s *RouteInboxStore) Claim(ctx context.Context, id string) error {
	const op = "RouteInboxStore.Claim"
	tag, err := s.pool.Exec(ctx, `
		UPDATE route_inbox SET lifecycle_state = $2, claimed_at = now()
		WHERE id = $1 AND lifecycle_state = $3`,
		id, domain.RouteInboxProcessing, domain.RouteInboxAccepted)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(op, domain.ErrStateConflict, "entry already claimed or finished")
	}
	return nil
}

func (s *RouteInboxStore) Finish(ctx context.Context, id, state, sessionID, errMsg string) error {
	const op = "RouteInboxStore.Finish"
	tag, err := s.pool.Exec(ctx, `
		UPDATE route_inbox
		SET lifecycle_state = $2, processed_at = now(), session_id = $3, error = $4
		WHERE id = $1 AND lifecycle_state = $5`,
		id, state, sessionID, errMsg, domain.RouteInboxProcessing)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(op, domain.ErrStateConflict, "entry not in processing")
	}
	return nil
}

func (s *RouteInboxStore) Release(ctx context.Context, id string) error {
	const op = "RouteInboxStore.Release"
	tag, err := s.pool.Exec(ctx, `
		UPDATE route_inbox SET lifecycle_state = $2, claimed_at = NULL
		WHERE id = $1 AND lifecycle_state = $3`,
		id, domain.RouteInboxAccepted, domain.RouteInboxProcessing)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(op, domain.ErrStateConflict, "entry not in processing")
	}
	return nil
}

func (s *RouteInboxStore) Pending(ctx context.Context) ([]domain.RouteInboxEntry, error) {
	const op = "RouteInboxStore.Pending"
	rows, err := s.pool.Query(ctx, `
		SELECT id, received_at, route_envelope, lifecycle_state, claimed_at, processed_at, session_id, error
		FROM route_inbox
		WHERE lifecycle_state = $1
		ORDER BY received_at ASC`, domain.RouteInboxAccepted)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.RouteInboxEntry
	for rows.Next() {
		var e domain.RouteInboxEntry
		if err := rows.Scan(&e.ID, &e.ReceivedAt, &e.RouteEnvelope, &e.LifecycleState,
			&e.ClaimedAt, &e.ProcessedAt, &e.SessionID, &e.Error); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

// RecoverStale keys staleness on claim time, not arrival time, so a long
// queue wait does not recover an entry another worker just claimed.
func (s *RouteInboxStore) RecoverStale(ctx context.Context, bound time.Time) (int, error) {
	const op = "RouteInboxStore.RecoverStale"
	tag, err := s.pool.Exec(ctx, `
		UPDATE route_inbox SET lifecycle_state = $1, claimed_at = NULL
		WHERE lifecycle_state = $2 AND claimed_at < $3`,
		domain.RouteInboxAccepted, domain.RouteInboxProcessing, bound)
	if err != nil {
		return 0, storeErr(op, err)
	}
	return int(tag.RowsAffected()), nil
}
