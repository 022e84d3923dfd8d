package domain

import (
	"context"
	"time"
)

// Thread-affinity lookup outcomes.
type AffinityOutcome string

const (
	AffinityHit                AffinityOutcome = "HIT"
	AffinityForceOverride      AffinityOutcome = "FORCE_OVERRIDE"
	AffinityMissNoThreadID     AffinityOutcome = "MISS_NO_THREAD_ID"
	AffinityMissNoHistory      AffinityOutcome = "MISS_NO_HISTORY"
	AffinityMissStale          AffinityOutcome = "MISS_STALE"
	AffinityMissConflict       AffinityOutcome = "MISS_CONFLICT"
	AffinityMissDisabledGlobal AffinityOutcome = "MISS_DISABLED_GLOBAL"
	AffinityMissDisabledThread AffinityOutcome = "MISS_DISABLED_THREAD"
	AffinityMissError          AffinityOutcome = "MISS_ERROR"
)

// ProducesRoute reports whether the outcome yields a routing decision.
func (o AffinityOutcome) ProducesRoute() bool {
	return o == AffinityHit || o == AffinityForceOverride
}

// RoutingRecord is one row of routing_history: a past (channel, thread)
// -> butler assignment.
type RoutingRecord struct {
	Channel  string
	ThreadID string
	Butler   string
	RoutedAt time.Time
}

// AffinitySettings live in KV state and are refreshed per lookup unless
// supplied in-call.
type AffinitySettings struct {
	Enabled bool `json:"enabled"`
	TTLDays int  `json:"ttl_days"`
}

// Per-thread override values: "force:<butler>" or "disabled".
const ThreadOverrideDisabled = "disabled"

// AffinityStore persists routing history for thread-affinity lookups.
type AffinityStore interface {
	Record(ctx context.Context, r RoutingRecord) error
	// History returns routing records for (channel, threadID), newest first.
	History(ctx context.Context, channel, threadID string) ([]RoutingRecord, error)
}
