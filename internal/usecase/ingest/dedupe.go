package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"butlerd/internal/domain"
)

// Dedupe strategies recorded in the request context.
const (
	StrategyIdempotencyKey = "idempotency_key"
	StrategyExternalEvent  = "external_event_id"
	StrategyContentHash    = "content_hash"
)

// DedupeKey derives the deterministic dedupe key for an envelope.
//
// Priority: an explicit control idempotency key, then the connector's
// external event id, then a content hash. The endpoint identity is part of
// the first two forms so the same update id on two endpoints never
// collapses.
func DedupeKey(env *domain.IngestV1) (key, strategy string) {
	if env.Control.IdempotencyKey != "" {
		return fmt.Sprintf("idem:%s:%s:%s",
			env.Source.Channel, env.Source.EndpointIdentity, env.Control.IdempotencyKey), StrategyIdempotencyKey
	}
	if env.Event.ExternalEventID != "" {
		return fmt.Sprintf("event:%s:%s:%s",
			env.Source.Channel, env.Source.EndpointIdentity, env.Event.ExternalEventID), StrategyExternalEvent
	}
	return contentHashKey(env), StrategyContentHash
}

func contentHashKey(env *domain.IngestV1) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s",
		env.Payload.NormalizedText,
		env.Sender.Identity,
		env.Event.ObservedAt.UTC().Format(time.RFC3339Nano))
	return fmt.Sprintf("hash:%s:%s:%s",
		env.Source.Channel, env.Source.EndpointIdentity, hex.EncodeToString(h.Sum(nil)))
}
