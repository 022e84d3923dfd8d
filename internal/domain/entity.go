package domain

import (
	"context"
	"time"
)

// Entity match tiers, best first. Base scores per tier.
const (
	MatchExact     = "exact"
	MatchAlias     = "alias"
	MatchPrefix    = "prefix"
	MatchFuzzy     = "fuzzy"
	ScoreExact     = 100.0
	ScoreAlias     = 80.0
	ScorePrefix    = 50.0
	ScoreFuzzy     = 20.0
	FuzzyThreshold = 0.3
)

// Entity is a tenant-scoped memory entity.
type Entity struct {
	ID            string
	TenantID      string
	CanonicalName string
	EntityType    string
	Aliases       []string
	DomainScores  map[string]float64
	Tombstoned    bool
}

// EntityFact is one active fact attached to an entity.
type EntityFact struct {
	EntityID  string
	Predicate string
	Content   string
	Active    bool
	CreatedAt time.Time
}

// EntityCandidate is one ranked resolution result.
type EntityCandidate struct {
	EntityID      string
	CanonicalName string
	EntityType    string
	Score         float64
	NameMatch     string // tier that produced the match
	Aliases       []string
}

// ResolveQuery is the input to entity resolution.
type ResolveQuery struct {
	Name        string
	TenantID    string
	EntityType  string
	TopicHints  []string
	MentionedBy []string
	EnableFuzzy bool
}

// EntityStore discovers and mutates entities. Fuzzy discovery uses trigram
// similarity in SQL.
type EntityStore interface {
	// FindExact returns entities whose canonical_name matches name
	// case-insensitively within the tenant.
	FindExact(ctx context.Context, tenantID, name, entityType string) ([]Entity, error)
	FindAlias(ctx context.Context, tenantID, name, entityType string) ([]Entity, error)
	FindPrefix(ctx context.Context, tenantID, name, entityType string) ([]Entity, error)
	// FindFuzzy returns entities with trigram similarity above threshold.
	FindFuzzy(ctx context.Context, tenantID, name, entityType string, threshold float64) ([]Entity, error)
	// ActiveFacts returns up to limit active facts for the entity.
	ActiveFacts(ctx context.Context, entityID string, limit int) ([]EntityFact, error)

	// Merge re-points facts from source to target, appends source aliases,
	// and tombstones the source, in one transaction.
	Merge(ctx context.Context, sourceID, targetID string) error
}
