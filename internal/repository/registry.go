package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// RegistryStore is the pgx-backed butler registry. Eligibility transitions
// write the registry row first, then append to the log.
type RegistryStore struct {
	pool *pgxpool.Pool
}

// NewRegistryStore creates the store.
func NewRegistryStore(pool *pgxpool.Pool) *RegistryStore {
	return &RegistryStore{pool: pool}
}

func (s *RegistryStore) Upsert(ctx context.Context, reg domain.ButlerRegistration) error {
	const op = "RegistryStore.Upsert"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO butler_registry (name, modules, eligibility_state, liveness_ttl_seconds, last_seen_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET
			modules = EXCLUDED.modules,
			eligibility_state = EXCLUDED.eligibility_state,
			liveness_ttl_seconds = EXCLUDED.liveness_ttl_seconds,
			last_seen_at = EXCLUDED.last_seen_at,
			quarantined_at = NULL,
			quarantine_reason = ''`,
		reg.Name, reg.Modules, string(reg.EligibilityState), reg.LivenessTTLSeconds, reg.LastSeenAt)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *RegistryStore) Get(ctx context.Context, name string) (*domain.ButlerRegistration, error) {
	const op = "RegistryStore.Get"
	reg, err := scanRegistration(s.pool.QueryRow(ctx, `
		SELECT name, modules, eligibility_state, liveness_ttl_seconds, last_seen_at, quarantined_at, quarantine_reason
		FROM butler_registry
		WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return reg, nil
}

func (s *RegistryStore) List(ctx context.Context) ([]domain.ButlerRegistration, error) {
	const op = "RegistryStore.List"
	rows, err := s.pool.Query(ctx, `
		SELECT name, modules, eligibility_state, liveness_ttl_seconds, last_seen_at, quarantined_at, quarantine_reason
		FROM butler_registry
		ORDER BY name`)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.ButlerRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *RegistryStore) Heartbeat(ctx context.Context, name string, at time.Time) error {
	const op = "RegistryStore.Heartbeat"
	tag, err := s.pool.Exec(ctx, `
		UPDATE butler_registry SET last_seen_at = $2 WHERE name = $1`, name, at)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RegistryStore) Transition(ctx context.Context, t domain.EligibilityTransition) error {
	const op = "RegistryStore.Transition"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback(ctx)

	quarantined := t.NewState == domain.EligibilityQuarantined
	tag, err := tx.Exec(ctx, `
		UPDATE butler_registry
		SET eligibility_state = $2,
			quarantined_at = CASE WHEN $3 THEN $4 ELSE quarantined_at END,
			quarantine_reason = CASE WHEN $3 THEN $5 ELSE quarantine_reason END
		WHERE name = $1`,
		t.Butler, string(t.NewState), quarantined, t.ObservedAt, t.Reason)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO butler_registry_eligibility_log (butler, previous_state, new_state, reason, observed_at)
		VALUES ($1,$2,$3,$4,$5)`,
		t.Butler, string(t.PreviousState), string(t.NewState), t.Reason, t.ObservedAt)
	if err != nil {
		return storeErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*domain.ButlerRegistration, error) {
	var (
		reg   domain.ButlerRegistration
		state string
	)
	if err := row.Scan(&reg.Name, &reg.Modules, &state, &reg.LivenessTTLSeconds,
		&reg.LastSeenAt, &reg.QuarantinedAt, &reg.QuarantineReason); err != nil {
		return nil, err
	}
	reg.EligibilityState = domain.EligibilityState(state)
	return &reg, nil
}
