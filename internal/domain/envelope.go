package domain

import (
	"encoding/json"
	"time"
)

// Envelope schema versions. Every document transported between subsystems
// carries one of these in schema_version.
const (
	SchemaIngestV1         = "ingest.v1"
	SchemaRouteV1          = "route.v1"
	SchemaRouteResponseV1  = "route_response.v1"
	SchemaNotifyV1         = "notify.v1"
	SchemaNotifyResponseV1 = "notify_response.v1"
)

// IngestV1 is the versioned envelope connectors submit to the Switchboard.
type IngestV1 struct {
	SchemaVersion string        `json:"schema_version"`
	Source        IngestSource  `json:"source"`
	Event         IngestEvent   `json:"event"`
	Sender        IngestSender  `json:"sender"`
	Payload       IngestPayload `json:"payload"`
	Control       IngestControl `json:"control"`
}

type IngestSource struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

type IngestEvent struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"` // RFC3339, timezone-bearing
}

type IngestSender struct {
	Identity string `json:"identity"`
}

type IngestPayload struct {
	Raw            json.RawMessage `json:"raw"`
	NormalizedText string          `json:"normalized_text"`
}

type IngestControl struct {
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	PolicyTier     string            `json:"policy_tier,omitempty"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
}

// IngestResult is the HTTP-level acceptance response.
type IngestResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // always "accepted"
	Duplicate bool   `json:"duplicate"`
}

// RouteV1 is the cross-butler routing envelope accepted by route.execute.
type RouteV1 struct {
	SchemaVersion  string         `json:"schema_version"`
	RequestContext RequestContext `json:"request_context"`
	Target         RouteTarget    `json:"target"`
	Input          RouteInput     `json:"input"`
}

type RouteTarget struct {
	Butler string `json:"butler"`
	Tool   string `json:"tool"`
}

type RouteInput struct {
	Prompt  string          `json:"prompt"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Route response statuses.
const (
	RouteStatusOK       = "ok"
	RouteStatusAccepted = "accepted"
	RouteStatusError    = "error"
)

// RouteResponseV1 is the response to route.execute. Messenger handles routes
// synchronously (ok/error); every other butler accepts into its route_inbox.
type RouteResponseV1 struct {
	SchemaVersion string          `json:"schema_version"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	InboxID       string          `json:"inbox_id,omitempty"`
	Error         *EnvelopeError  `json:"error,omitempty"`
}

// Delivery intents and channels.
const (
	IntentSend  = "send"
	IntentReply = "reply"

	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
)

// NotifyV1 is the outbound delivery intent a butler hands to the Switchboard.
type NotifyV1 struct {
	SchemaVersion  string          `json:"schema_version"`
	OriginButler   string          `json:"origin_butler"`
	Delivery       NotifyDelivery  `json:"delivery"`
	RequestContext *RequestContext `json:"request_context,omitempty"`
}

type NotifyDelivery struct {
	Intent    string            `json:"intent"` // send | reply
	Channel   string            `json:"channel"`
	Message   string            `json:"message"`
	Recipient string            `json:"recipient,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NotifyResponseV1 is the response to a deliver call.
type NotifyResponseV1 struct {
	SchemaVersion string          `json:"schema_version"`
	Status        string          `json:"status"` // ok | error
	Delivery      *NotifyReceipt  `json:"delivery,omitempty"`
	Error         *EnvelopeError  `json:"error,omitempty"`
}

type NotifyReceipt struct {
	Channel            string `json:"channel"`
	DeliveryID         string `json:"delivery_id"`
	ProviderDeliveryID string `json:"provider_delivery_id,omitempty"`
}
