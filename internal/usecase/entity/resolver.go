package entity

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"butlerd/internal/domain"
)

// factScanLimit bounds how many active facts contribute to the
// graph-neighborhood boost.
const factScanLimit = 500

// maxNeighborhoodBoost caps the Jaccard-overlap bonus.
const maxNeighborhoodBoost = 20.0

// Resolver ranks candidate entities for a name within a tenant.
type Resolver struct {
	store  domain.EntityStore
	logger *slog.Logger
}

// NewResolver creates a resolver over the entity store.
func NewResolver(store domain.EntityStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve discovers candidates across match tiers, keeps the best tier per
// entity, applies the graph-neighborhood boost and domain scores, and
// returns candidates sorted by (-score, canonical_name).
func (r *Resolver) Resolve(ctx context.Context, q domain.ResolveQuery) ([]domain.EntityCandidate, error) {
	const op = "Entity.Resolve"
	if strings.TrimSpace(q.Name) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "name is empty")
	}
	if q.TenantID == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "tenant_id is empty")
	}

	type scored struct {
		entity domain.Entity
		tier   string
		base   float64
	}
	best := map[string]scored{}

	keep := func(ents []domain.Entity, tier string, base float64) {
		for _, e := range ents {
			if e.Tombstoned {
				continue
			}
			if cur, ok := best[e.ID]; ok && cur.base >= base {
				continue
			}
			best[e.ID] = scored{entity: e, tier: tier, base: base}
		}
	}

	exact, err := r.store.FindExact(ctx, q.TenantID, q.Name, q.EntityType)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	keep(exact, domain.MatchExact, domain.ScoreExact)

	alias, err := r.store.FindAlias(ctx, q.TenantID, q.Name, q.EntityType)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	keep(alias, domain.MatchAlias, domain.ScoreAlias)

	prefix, err := r.store.FindPrefix(ctx, q.TenantID, q.Name, q.EntityType)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	// Prefix matches are excluded for entities already matched exactly or
	// by alias.
	var fresh []domain.Entity
	for _, e := range prefix {
		if _, ok := best[e.ID]; !ok {
			fresh = append(fresh, e)
		}
	}
	keep(fresh, domain.MatchPrefix, domain.ScorePrefix)

	if q.EnableFuzzy {
		fuzzy, err := r.store.FindFuzzy(ctx, q.TenantID, q.Name, q.EntityType, domain.FuzzyThreshold)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		keep(fuzzy, domain.MatchFuzzy, domain.ScoreFuzzy)
	}

	hintTokens := tokenize(append(append([]string{}, q.TopicHints...), q.MentionedBy...))

	out := make([]domain.EntityCandidate, 0, len(best))
	for _, s := range best {
		score := s.base
		if len(hintTokens) > 0 {
			boost, err := r.neighborhoodBoost(ctx, s.entity.ID, hintTokens)
			if err != nil {
				// The boost is an optimization; discovery already succeeded.
				r.logger.Warn("neighborhood boost failed", "entity_id", s.entity.ID, "error", err)
			} else {
				score += boost
			}
		}
		for _, v := range s.entity.DomainScores {
			score += v
		}
		if score <= 0 {
			continue
		}
		out = append(out, domain.EntityCandidate{
			EntityID:      s.entity.ID,
			CanonicalName: s.entity.CanonicalName,
			EntityType:    s.entity.EntityType,
			Score:         score,
			NameMatch:     s.tier,
			Aliases:       s.entity.Aliases,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CanonicalName < out[j].CanonicalName
	})
	return out, nil
}

// neighborhoodBoost computes a Jaccard-overlap bonus between the hint tokens
// and the tokenized predicates+content of the entity's active facts.
func (r *Resolver) neighborhoodBoost(ctx context.Context, entityID string, hintTokens map[string]bool) (float64, error) {
	facts, err := r.store.ActiveFacts(ctx, entityID, factScanLimit)
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		return 0, nil
	}
	factTokens := map[string]bool{}
	for _, f := range facts {
		for tok := range tokenize([]string{f.Predicate, f.Content}) {
			factTokens[tok] = true
		}
	}
	return maxNeighborhoodBoost * jaccard(hintTokens, factTokens), nil
}

// Merge re-points facts from source to target, appends aliases, and
// tombstones the source.
func (r *Resolver) Merge(ctx context.Context, sourceID, targetID string) error {
	const op = "Entity.Merge"
	if sourceID == targetID {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "cannot merge entity into itself")
	}
	if err := r.store.Merge(ctx, sourceID, targetID); err != nil {
		return domain.WrapOp(op, err)
	}
	r.logger.Info("entities merged", "source", sourceID, "target", targetID)
	return nil
}

func tokenize(parts []string) map[string]bool {
	out := map[string]bool{}
	for _, p := range parts {
		for _, tok := range strings.FieldsFunc(strings.ToLower(p), func(r rune) bool {
			return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
		}) {
			if len(tok) > 1 {
				out[tok] = true
			}
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
