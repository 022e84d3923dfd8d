package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// ApprovalStore is the pgx-backed approval gate storage: pending actions,
// standing rules, and the append-only event log.
type ApprovalStore struct {
	pool *pgxpool.Pool
}

// NewApprovalStore creates the store.
func NewApprovalStore(pool *pgxpool.Pool) *ApprovalStore {
	return &ApprovalStore{pool: pool}
}

func (s *ApprovalStore) InsertAction(ctx context.Context, a domain.PendingAction) error {
	const op = "ApprovalStore.InsertAction"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_actions (
			id, tool_name, tool_args, agent_summary, session_id, status,
			requested_at, expires_at, decided_by, decided_at, approval_rule_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.ToolName, a.ToolArgs, a.AgentSummary, a.SessionID, a.Status,
		a.RequestedAt, a.ExpiresAt, a.DecidedBy, a.DecidedAt, a.ApprovalRuleID)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *ApprovalStore) GetAction(ctx context.Context, id string) (*domain.PendingAction, error) {
	const op = "ApprovalStore.GetAction"
	a, err := scanAction(s.pool.QueryRow(ctx, actionSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return a, nil
}

func (s *ApprovalStore) DecideAction(ctx context.Context, id, to, decidedBy, ruleID string, at time.Time) error {
	const op = "ApprovalStore.DecideAction"
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, decided_by = $3, approval_rule_id = $4, decided_at = $5
		WHERE id = $1 AND status = $6`,
		id, to, decidedBy, ruleID, at, domain.ActionPending)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(op, domain.ErrStateConflict, "action already decided")
	}
	return nil
}

func (s *ApprovalStore) MarkExecuted(ctx context.Context, id string) error {
	const op = "ApprovalStore.MarkExecuted"
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_actions SET status = $2
		WHERE id = $1 AND status = $3`,
		id, domain.ActionExecuted, domain.ActionApproved)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(op, domain.ErrStateConflict, "action not in approved state")
	}
	return nil
}

func (s *ApprovalStore) ExpirePending(ctx context.Context, cutoff time.Time) ([]domain.PendingAction, error) {
	const op = "ApprovalStore.ExpirePending"
	rows, err := s.pool.Query(ctx, `
		UPDATE pending_actions SET status = $1
		WHERE status = $2 AND expires_at <= $3
		RETURNING id, tool_name, tool_args, agent_summary, session_id, status,
			requested_at, expires_at, decided_by, decided_at, approval_rule_id`,
		domain.ActionExpired, domain.ActionPending, cutoff)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *ApprovalStore) InsertRule(ctx context.Context, r domain.ApprovalRule) error {
	const op = "ApprovalStore.InsertRule"
	constraints, err := json.Marshal(r.ArgConstraints)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_rules (
			id, tool_name, arg_constraints, description, created_at,
			expires_at, max_uses, use_count, active, created_from
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.ToolName, constraints, r.Description, r.CreatedAt,
		r.ExpiresAt, r.MaxUses, r.UseCount, r.Active, r.CreatedFrom)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *ApprovalStore) ActiveRules(ctx context.Context, toolName string, now time.Time) ([]domain.ApprovalRule, error) {
	const op = "ApprovalStore.ActiveRules"
	rows, err := s.pool.Query(ctx, `
		SELECT id, tool_name, arg_constraints, description, created_at,
			expires_at, max_uses, use_count, active, created_from
		FROM approval_rules
		WHERE tool_name = $1 AND active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC`, toolName, now)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.ApprovalRule
	for rows.Next() {
		var (
			r           domain.ApprovalRule
			constraints []byte
		)
		if err := rows.Scan(&r.ID, &r.ToolName, &constraints, &r.Description, &r.CreatedAt,
			&r.ExpiresAt, &r.MaxUses, &r.UseCount, &r.Active, &r.CreatedFrom); err != nil {
			return nil, storeErr(op, err)
		}
		if len(constraints) > 0 {
			if err := json.Unmarshal(constraints, &r.ArgConstraints); err != nil {
				return nil, domain.WrapOp(op, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *ApprovalStore) ConsumeRuleUse(ctx context.Context, ruleID string) error {
	const op = "ApprovalStore.ConsumeRuleUse"
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_rules
		SET use_count = use_count + 1,
			active = (max_uses IS NULL OR use_count + 1 < max_uses)
		WHERE id = $1 AND active`, ruleID)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *ApprovalStore) RevokeRule(ctx context.Context, ruleID string) error {
	const op = "ApprovalStore.RevokeRule"
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_rules SET active = false WHERE id = $1`, ruleID)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *ApprovalStore) AppendEvent(ctx context.Context, e domain.ApprovalEvent) error {
	const op = "ApprovalStore.AppendEvent"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_events (id, action_id, rule_id, event_type, actor, occurred_at, reason, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.ActionID, e.RuleID, e.EventType, e.Actor, e.OccurredAt, e.Reason, e.Metadata)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *ApprovalStore) EventsForAction(ctx context.Context, actionID string) ([]domain.ApprovalEvent, error) {
	const op = "ApprovalStore.EventsForAction"
	rows, err := s.pool.Query(ctx, `
		SELECT id, action_id, rule_id, event_type, actor, occurred_at, reason, metadata
		FROM approval_events
		WHERE action_id = $1
		ORDER BY occurred_at ASC`, actionID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.ApprovalEvent
	for rows.Next() {
		var e domain.ApprovalEvent
		if err := rows.Scan(&e.ID, &e.ActionID, &e.RuleID, &e.EventType, &e.Actor,
			&e.OccurredAt, &e.Reason, &e.Metadata); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

const actionSelect = `
	SELECT id, tool_name, tool_args, agent_summary, session_id, status,
		requested_at, expires_at, decided_by, decided_at, approval_rule_id
	FROM pending_actions`

func scanAction(row rowScanner) (*domain.PendingAction, error) {
	var a domain.PendingAction
	if err := row.Scan(&a.ID, &a.ToolName, &a.ToolArgs, &a.AgentSummary, &a.SessionID,
		&a.Status, &a.RequestedAt, &a.ExpiresAt, &a.DecidedBy, &a.DecidedAt,
		&a.ApprovalRuleID); err != nil {
		return nil, err
	}
	return &a, nil
}
