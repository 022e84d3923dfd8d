package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// EntityStore is the pgx-backed memory entity storage. Fuzzy discovery uses
// pg_trgm similarity in SQL.
type EntityStore struct {
	pool *pgxpool.Pool
}

// NewEntityStore creates the store.
func NewEntityStore(pool *pgxpool.Pool) *EntityStore {
	return &EntityStore{pool: pool}
}

const entitySelect = `
	SELECT id, tenant_id, canonical_name, entity_type, aliases, domain_scores, tombstoned
	FROM entities`

func (s *EntityStore) FindExact(ctx context.Context, tenantID, name, entityType string) ([]domain.Entity, error) {
	return s.find(ctx, "EntityStore.FindExact", entitySelect+`
		WHERE tenant_id = $1 AND NOT tombstoned
			AND lower(canonical_name) = lower($2)
			AND ($3 = '' OR entity_type = $3)`, tenantID, name, entityType)
}

func (s *EntityStore) FindAlias(ctx context.Context, tenantID, name, entityType string) ([]domain.Entity, error) {
	return s.find(ctx, "EntityStore.FindAlias", entitySelect+`
		WHERE tenant_id = $1 AND NOT tombstoned
			AND EXISTS (SELECT 1 FROM unnest(aliases) a WHERE lower(a) = lower($2))
			AND ($3 = '' OR entity_type = $3)`, tenantID, name, entityType)
}

func (s *EntityStore) FindPrefix(ctx context.Context, tenantID, name, entityType string) ([]domain.Entity, error) {
	return s.find(ctx, "EntityStore.FindPrefix", entitySelect+`
		WHERE tenant_id = $1 AND NOT tombstoned
			AND lower(canonical_name) LIKE lower($2) || '%'
			AND ($3 = '' OR entity_type = $3)`, tenantID, name, entityType)
}

func (s *EntityStore) FindFuzzy(ctx context.Context, tenantID, name, entityType string, threshold float64) ([]domain.Entity, error) {
	return s.find(ctx, "EntityStore.FindFuzzy", entitySelect+`
		WHERE tenant_id = $1 AND NOT tombstoned
			AND similarity(canonical_name, $2) > $4
			AND ($3 = '' OR entity_type = $3)
		ORDER BY similarity(canonical_name, $2) DESC`, tenantID, name, entityType, threshold)
}

func (s *EntityStore) find(ctx context.Context, op, sql string, args ...any) ([]domain.Entity, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		var (
			e      domain.Entity
			scores []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CanonicalName, &e.EntityType,
			&e.Aliases, &scores, &e.Tombstoned); err != nil {
			return nil, storeErr(op, err)
		}
		if len(scores) > 0 {
			_ = json.Unmarshal(scores, &e.DomainScores)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *EntityStore) ActiveFacts(ctx context.Context, entityID string, limit int) ([]domain.EntityFact, error) {
	const op = "EntityStore.ActiveFacts"
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, predicate, content, active, created_at
		FROM entity_facts
		WHERE entity_id = $1 AND active
		ORDER BY created_at DESC
		LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.EntityFact
	for rows.Next() {
		var f domain.EntityFact
		if err := rows.Scan(&f.EntityID, &f.Predicate, &f.Content, &f.Active, &f.CreatedAt); err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

// Merge re-points facts from source to target, appends the source's canonical
// name and aliases to the target's alias list, and tombstones the source.
func (s *EntityStore) Merge(ctx context.Context, sourceID, targetID string) error {
	const op = "EntityStore.Merge"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE entity_facts SET entity_id = $2 WHERE entity_id = $1`, sourceID, targetID); err != nil {
		return storeErr(op, err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE entities t
		SET aliases = (
			SELECT array_agg(DISTINCT a) FROM unnest(t.aliases || s.aliases || ARRAY[s.canonical_name]) a
		)
		FROM entities s
		WHERE t.id = $2 AND s.id = $1`, sourceID, targetID)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `
		UPDATE entities SET tombstoned = true WHERE id = $1`, sourceID); err != nil {
		return storeErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(op, err)
	}
	return nil
}
