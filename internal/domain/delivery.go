package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Delivery request statuses. The lifecycle is monotonic:
// pending -> in_progress -> {delivered, failed, dead_lettered}.
const (
	DeliveryPending      = "pending"
	DeliveryInProgress   = "in_progress"
	DeliveryDelivered    = "delivered"
	DeliveryFailed       = "failed"
	DeliveryDeadLettered = "dead_lettered"
)

// TerminalDeliveryStatus reports whether s is a terminal state whose result
// is replayed verbatim to idempotent duplicates.
func TerminalDeliveryStatus(s string) bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryDeadLettered
}

// DeliveryRequest is one row of the messenger delivery_requests table.
type DeliveryRequest struct {
	ID                   string
	IdempotencyKey       string
	RequestID            string
	OriginButler         string
	Channel              string
	Intent               string // send | reply
	TargetIdentity       string
	MessageContent       string
	Subject              string
	RequestEnvelope      json.RawMessage
	Status               string
	TerminalErrorClass   string
	TerminalErrorMessage string
	TerminalAt           *time.Time
	CreatedAt            time.Time
}

// Receipt types recorded against a delivery request.
const (
	ReceiptSent        = "sent"
	ReceiptDelivered   = "delivered"
	ReceiptRead        = "read"
	ReceiptWebhookConf = "webhook_confirmation"
)

// DeliveryReceipt binds a provider delivery id to a delivery request.
type DeliveryReceipt struct {
	DeliveryRequestID  string
	ProviderDeliveryID string
	ReceiptType        string
	ReceivedAt         time.Time
	Metadata           json.RawMessage
}

// DeliveryStore persists delivery requests and receipts. The unique index on
// idempotency_key is what guarantees at-most-one concurrent provider call.
type DeliveryStore interface {
	// Create inserts a new request in pending. Returns ErrDuplicate when the
	// idempotency key is already bound; callers then Load the winner.
	Create(ctx context.Context, r DeliveryRequest) error
	Load(ctx context.Context, idempotencyKey string) (*DeliveryRequest, error)
	// Advance moves pending -> in_progress under a CAS guard.
	Advance(ctx context.Context, id string) error
	// Terminate sets the terminal status and error fields exactly once.
	Terminate(ctx context.Context, id, status, errClass, errMsg string, at time.Time) error

	InsertReceipt(ctx context.Context, rec DeliveryReceipt) error
	// SentReceipt returns the receipt_type='sent' receipt for the request,
	// or ErrNotFound.
	SentReceipt(ctx context.Context, deliveryRequestID string) (*DeliveryReceipt, error)
}

// ProviderResult is what a channel provider adapter returns on success.
type ProviderResult struct {
	ProviderDeliveryID string
}

// Provider sends one message on a concrete channel (telegram, email).
type Provider interface {
	Channel() string
	Send(ctx context.Context, target, subject, message string, metadata map[string]string) (*ProviderResult, error)
}
