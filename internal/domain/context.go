package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestContext is the immutable metadata minted at ingest and propagated
// through every downstream session, route envelope, and delivery.
type RequestContext struct {
	RequestID              string            `json:"request_id"` // UUIDv7
	ReceivedAt             time.Time         `json:"received_at"`
	SourceChannel          string            `json:"source_channel"`
	SourceEndpointIdentity string            `json:"source_endpoint_identity"`
	SourceSenderIdentity   string            `json:"source_sender_identity"`
	SourceThreadIdentity   string            `json:"source_thread_identity,omitempty"`
	DedupeKey              string            `json:"dedupe_key,omitempty"`
	DedupeStrategy         string            `json:"dedupe_strategy,omitempty"`
	TraceContext           map[string]string `json:"trace_context,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (rc *RequestContext) Validate() error {
	if err := ValidateRequestID(rc.RequestID); err != nil {
		return err
	}
	if rc.SourceEndpointIdentity == "" {
		return NewDomainError("RequestContext.Validate", ErrInvalidInput, "source_endpoint_identity is empty")
	}
	return nil
}

// NewRequestID mints a time-ordered UUIDv7. request_id is the only UUIDv7 in
// the system; all other row ids are UUIDv4.
func NewRequestID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint request id: %w", err)
	}
	return id.String(), nil
}

// ValidateRequestID checks that s is a well-formed UUIDv7.
func ValidateRequestID(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return NewDomainError("ValidateRequestID", ErrInvalidInput, fmt.Sprintf("request_id %q is not a UUID", s))
	}
	if id.Version() != 7 {
		return NewDomainError("ValidateRequestID", ErrInvalidInput, fmt.Sprintf("request_id %q is UUIDv%d, want v7", s, id.Version()))
	}
	return nil
}

// NewRowID mints a UUIDv4 for ordinary table rows.
func NewRowID() string {
	return uuid.NewString()
}
