package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Route inbox lifecycle states. Rows are created in accepted and transition
// to processing, then exactly once to processed or errored.
const (
	RouteInboxAccepted   = "accepted"
	RouteInboxProcessing = "processing"
	RouteInboxProcessed  = "processed"
	RouteInboxErrored    = "errored"
)

// RouteInboxEntry is one accepted route envelope awaiting processing.
type RouteInboxEntry struct {
	ID             string
	ReceivedAt     time.Time
	RouteEnvelope  json.RawMessage // the full route.v1 document
	LifecycleState string
	ClaimedAt      *time.Time
	ProcessedAt    *time.Time
	SessionID      string
	Error          string
}

// RouteInboxStore persists a butler's route inbox.
type RouteInboxStore interface {
	Insert(ctx context.Context, e RouteInboxEntry) error
	Get(ctx context.Context, id string) (*RouteInboxEntry, error)
	// Claim transitions an accepted entry to processing. Returns
	// ErrStateConflict when another worker already claimed it.
	Claim(ctx context.Context, id string) error
	// Finish transitions a processing entry to processed or errored, exactly
	// once. Returns ErrStateConflict on a second finish.
	Finish(ctx context.Context, id, state, sessionID, errMsg string) error
	// Release moves a processing entry back to accepted so a later drain
	// retries it.
	Release(ctx context.Context, id string) error
	// Pending returns entries in accepted state, oldest first.
	Pending(ctx context.Context) ([]RouteInboxEntry, error)
	// RecoverStale moves processing entries claimed before bound back to
	// accepted and returns how many were recovered.
	RecoverStale(ctx context.Context, bound time.Time) (int, error)
}
