package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// ContactResolver resolves channel identities to contacts via the entities
// and contact_channels tables.
type ContactResolver struct {
	pool *pgxpool.Pool
}

// NewContactResolver creates the resolver.
func NewContactResolver(pool *pgxpool.Pool) *ContactResolver {
	return &ContactResolver{pool: pool}
}

func (r *ContactResolver) ByID(ctx context.Context, entityID string) (*domain.Contact, error) {
	const op = "ContactResolver.ByID"
	c, err := r.load(ctx, `
		SELECT e.id, e.canonical_name
		FROM entities e
		WHERE e.id = $1 AND NOT e.tombstoned`, entityID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return c, nil
}

func (r *ContactResolver) ByChannel(ctx context.Context, channelType, channelValue string) (*domain.Contact, error) {
	const op = "ContactResolver.ByChannel"
	c, err := r.load(ctx, `
		SELECT e.id, e.canonical_name
		FROM contact_channels cc
		JOIN entities e ON e.id = cc.entity_id
		WHERE cc.channel_type = $1 AND cc.channel_value = $2 AND NOT e.tombstoned`,
		channelType, channelValue)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return c, nil
}

func (r *ContactResolver) load(ctx context.Context, sql string, args ...any) (*domain.Contact, error) {
	var c domain.Contact
	err := r.pool.QueryRow(ctx, sql, args...).Scan(&c.EntityID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT role FROM contact_roles WHERE entity_id = $1`, c.EntityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		c.Roles = append(c.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &c, nil
}
