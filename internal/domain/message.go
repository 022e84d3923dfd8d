package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Message direction.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Inbox lifecycle states. Rows are created in accepted and advance through
// processing to completed or errored; rows are never deleted.
const (
	InboxAccepted   = "accepted"
	InboxProcessing = "processing"
	InboxCompleted  = "completed"
	InboxErrored    = "errored"
)

// InboxMessage is one row in the Switchboard message_inbox, partitioned by
// month on ReceivedAt. Primary key is (received_at, id).
type InboxMessage struct {
	ID                 string
	ReceivedAt         time.Time
	RequestContext     RequestContext
	RawPayload         json.RawMessage
	NormalizedText     string
	Direction          string
	LifecycleState     string
	SchemaVersion      string
	ProcessingMetadata json.RawMessage
	DecompositionOut   json.RawMessage
	DispatchOutcomes   json.RawMessage
	ResponseSummary    string
	FinalStateAt       *time.Time
	TraceID            string
	SessionID          string
}

// InboxStore persists the Switchboard message inbox.
type InboxStore interface {
	// Insert writes a new row, lazily ensuring the monthly partition for
	// msg.ReceivedAt. Returns ErrDuplicate if the dedupe key is already bound.
	Insert(ctx context.Context, msg InboxMessage) error
	// FindByDedupeKey returns the request id previously bound to key, or
	// ErrNotFound.
	FindByDedupeKey(ctx context.Context, key string) (requestID string, err error)
	Get(ctx context.Context, requestID string) (*InboxMessage, error)
	// SetLifecycle advances the lifecycle state; terminal states also set
	// final_state_at.
	SetLifecycle(ctx context.Context, requestID, state string, summary string) error
	// AttachOutcome records decomposition output and dispatch outcomes.
	AttachOutcome(ctx context.Context, requestID string, decomposition, outcomes json.RawMessage) error
}

// NotificationRecord is one row of the outbound delivery audit log.
type NotificationRecord struct {
	ID           string
	SourceButler string
	Channel      string
	Recipient    string
	Message      string
	Status       string // sent | failed
	Error        string
	TraceID      string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Notification statuses.
const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// NotificationStore persists the notifications audit log.
type NotificationStore interface {
	Insert(ctx context.Context, n NotificationRecord) error
	Recent(ctx context.Context, limit int) ([]NotificationRecord, error)
}
