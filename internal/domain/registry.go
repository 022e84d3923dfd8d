package domain

import (
	"context"
	"time"
)

// EligibilityState classifies a butler's liveness for routing decisions.
type EligibilityState string

const (
	EligibilityActive      EligibilityState = "active"
	EligibilityStale       EligibilityState = "stale"
	EligibilityQuarantined EligibilityState = "quarantined"
)

// Eligibility transition reasons written to the append-only log.
const (
	ReasonLivenessTTLExpired   = "liveness_ttl_expired"
	ReasonLivenessTTL2xExpired = "liveness_ttl_2x_expired"
)

// Well-known module names a butler can advertise.
const (
	ModuleMessenger = "messenger"
	ModuleCalendar  = "calendar"
	ModuleEducation = "education"
	ModuleMemory    = "memory"
	ModuleApprovals = "approvals"
)

// ButlerRegistration is one row of the Switchboard butler_registry.
type ButlerRegistration struct {
	Name               string
	Modules            []string
	EligibilityState   EligibilityState
	LivenessTTLSeconds int
	LastSeenAt         *time.Time
	QuarantinedAt      *time.Time
	QuarantineReason   string
}

// HasModule reports whether the butler advertises the named module.
func (b *ButlerRegistration) HasModule(name string) bool {
	for _, m := range b.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// EligibilityTransition is one row of butler_registry_eligibility_log.
type EligibilityTransition struct {
	Butler        string
	PreviousState EligibilityState
	NewState      EligibilityState
	Reason        string
	ObservedAt    time.Time
}

// RegistryStore persists the butler registry and its eligibility log.
type RegistryStore interface {
	Upsert(ctx context.Context, reg ButlerRegistration) error
	Get(ctx context.Context, name string) (*ButlerRegistration, error)
	List(ctx context.Context) ([]ButlerRegistration, error)
	// Heartbeat refreshes last_seen_at for the named butler.
	Heartbeat(ctx context.Context, name string, at time.Time) error
	// Transition updates the eligibility state row, then appends exactly one
	// log row. The log write happens after the state write.
	Transition(ctx context.Context, t EligibilityTransition) error
}
