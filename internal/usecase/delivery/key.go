package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"butlerd/internal/domain"
)

// threadCapable lists channels where reply targeting includes the thread
// identity alongside the sender.
var threadCapable = map[string]bool{
	domain.ChannelEmail: true,
}

// IdempotencyKey derives the canonical delivery key: a ":"-join of the
// non-null parts [request_id?, origin_butler, intent, channel,
// normalized_target, content_hash]. Deterministic by construction; retried
// and duplicated notify calls collapse onto one delivery request.
func IdempotencyKey(req *domain.NotifyV1) string {
	parts := make([]string, 0, 6)
	if req.RequestContext != nil && req.RequestContext.RequestID != "" {
		parts = append(parts, req.RequestContext.RequestID)
	}
	parts = append(parts,
		req.OriginButler,
		req.Delivery.Intent,
		req.Delivery.Channel,
		NormalizedTarget(req),
		contentHash(req.Delivery.Subject, req.Delivery.Message),
	)
	return strings.Join(parts, ":")
}

// NormalizedTarget computes the canonical delivery target. For send it is
// the lowercased trimmed recipient; for reply it is derived from the
// embedded request context, including the thread identity on channels that
// have one.
func NormalizedTarget(req *domain.NotifyV1) string {
	if req.Delivery.Intent == domain.IntentSend {
		return strings.ToLower(strings.TrimSpace(req.Delivery.Recipient))
	}
	if req.RequestContext == nil {
		return ""
	}
	sender := req.RequestContext.SourceSenderIdentity
	thread := req.RequestContext.SourceThreadIdentity
	if threadCapable[req.Delivery.Channel] && thread != "" {
		return sender + ":" + thread
	}
	return sender
}

func contentHash(subject, message string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(subject) + "|" + strings.TrimSpace(message)))
	return hex.EncodeToString(h[:])
}
