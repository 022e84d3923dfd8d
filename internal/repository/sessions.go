package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// SessionStore is the pgx-backed append-only sessions log. A database trigger
// rejects UPDATE and DELETE; this type only ever inserts and reads.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates the store.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func (s *SessionStore) Append(ctx context.Context, row domain.Session) error {
	const op = "SessionStore.Append"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, prompt, trigger_source, model, success, error, result, tool_calls,
			duration_ms, trace_id, request_id, input_tokens, output_tokens, cost,
			parent_session_id, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		row.ID, row.Prompt, row.TriggerSource, row.Model, row.Success, row.Error, row.Result, row.ToolCalls,
		row.DurationMS, row.TraceID, row.RequestID, row.InputTokens, row.OutputTokens, row.Cost,
		row.ParentSessionID, row.StartedAt, row.CompletedAt)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	const op = "SessionStore.Get"
	row, err := scanSession(s.pool.QueryRow(ctx, sessionSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return row, nil
}

func (s *SessionStore) Recent(ctx context.Context, limit int) ([]domain.Session, error) {
	const op = "SessionStore.Recent"
	rows, err := s.pool.Query(ctx, sessionSelect+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

const sessionSelect = `
	SELECT id, prompt, trigger_source, model, success, error, result, tool_calls,
		duration_ms, trace_id, request_id, input_tokens, output_tokens, cost,
		parent_session_id, started_at, completed_at
	FROM sessions`

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(&s.ID, &s.Prompt, &s.TriggerSource, &s.Model, &s.Success, &s.Error,
		&s.Result, &s.ToolCalls, &s.DurationMS, &s.TraceID, &s.RequestID,
		&s.InputTokens, &s.OutputTokens, &s.Cost, &s.ParentSessionID,
		&s.StartedAt, &s.CompletedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
