package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/usecase/delivery"
)

// MessengerProcessor handles route envelopes on the messenger butler. It
// unwraps the embedded notify request, drives the delivery engine, then
// writes the outbound inbox row and the notifications audit entry.
type MessengerProcessor struct {
	engine        *delivery.Engine
	outbox        domain.InboxStore        // the originating Switchboard's message_inbox
	notifications domain.NotificationStore // may be nil
	logger        *slog.Logger
	now           func() time.Time
}

// NewMessengerProcessor creates the messenger's synchronous route processor.
func NewMessengerProcessor(engine *delivery.Engine, outbox domain.InboxStore, notifications domain.NotificationStore, logger *slog.Logger) *MessengerProcessor {
	return &MessengerProcessor{
		engine:        engine,
		outbox:        outbox,
		notifications: notifications,
		logger:        logger,
		now:           time.Now,
	}
}

// Process implements route.Processor for the messenger butler.
func (m *MessengerProcessor) Process(ctx context.Context, env domain.RouteV1) (string, json.RawMessage, error) {
	const op = "Messenger.Process"

	var rc routeContext
	if err := json.Unmarshal(env.Input.Context, &rc); err != nil || rc.NotifyRequest == nil {
		return "", nil, domain.NewDomainError(op, domain.ErrInvalidInput, "route context carries no notify_request")
	}
	req := rc.NotifyRequest

	res, err := m.engine.Deliver(ctx, req)
	m.audit(ctx, req, res, err)
	if err != nil {
		return "", nil, err
	}

	m.writeOutbound(ctx, req, res)

	result, mErr := json.Marshal(deliveryResult{
		Channel:            req.Delivery.Channel,
		DeliveryID:         res.DeliveryID,
		ProviderDeliveryID: res.ProviderDeliveryID,
		Status:             res.Status,
	})
	if mErr != nil {
		return "", nil, domain.WrapOp(op, mErr)
	}
	return "", result, nil
}

// writeOutbound records the delivery as an outbound message_inbox row so the
// conversation stays threaded for future affinity lookups.
func (m *MessengerProcessor) writeOutbound(ctx context.Context, req *domain.NotifyV1, res *delivery.Result) {
	if res.Status != domain.DeliveryDelivered || res.Replayed {
		return
	}
	now := m.now()
	requestID, err := domain.NewRequestID()
	if err != nil {
		m.logger.Error("outbound row id mint failed", "error", err)
		return
	}
	rc := domain.RequestContext{
		RequestID:              requestID,
		ReceivedAt:             now,
		SourceChannel:          req.Delivery.Channel,
		SourceEndpointIdentity: req.OriginButler,
		SourceSenderIdentity:   req.OriginButler,
	}
	if orig := req.RequestContext; orig != nil {
		rc.SourceThreadIdentity = orig.SourceThreadIdentity
	}
	row := domain.InboxMessage{
		ID:             requestID,
		ReceivedAt:     now,
		RequestContext: rc,
		NormalizedText: req.Delivery.Message,
		Direction:      domain.DirectionOutbound,
		LifecycleState: domain.InboxCompleted,
		SchemaVersion:  domain.SchemaNotifyV1,
		FinalStateAt:   &now,
	}
	if err := m.outbox.Insert(ctx, row); err != nil {
		// The delivery already happened; losing the thread row is logged,
		// not fatal.
		m.logger.Error("outbound inbox write failed", "delivery_id", res.DeliveryID, "error", err)
	}
}

func (m *MessengerProcessor) audit(ctx context.Context, req *domain.NotifyV1, res *delivery.Result, deliverErr error) {
	if m.notifications == nil {
		return
	}
	rec := domain.NotificationRecord{
		ID:           domain.NewRowID(),
		SourceButler: req.OriginButler,
		Channel:      req.Delivery.Channel,
		Recipient:    delivery.NormalizedTarget(req),
		Message:      req.Delivery.Message,
		Status:       domain.NotificationSent,
		Metadata:     req.Delivery.Metadata,
		CreatedAt:    m.now(),
	}
	if deliverErr != nil {
		rec.Status = domain.NotificationFailed
		rec.Error = deliverErr.Error()
	}
	if err := m.notifications.Insert(ctx, rec); err != nil {
		m.logger.Error("notification audit write failed", "error", err)
	}
}
