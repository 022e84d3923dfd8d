package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
)

// Result is the outcome of one Deliver call. Replayed marks answers served
// from an earlier request with the same idempotency key.
type Result struct {
	Status             string
	DeliveryID         string
	ProviderDeliveryID string
	Replayed           bool
}

// Engine is the messenger's idempotent delivery core. The unique index on
// idempotency_key makes Create the arbiter: exactly one caller wins the row
// and talks to the provider; everyone else replays or observes.
type Engine struct {
	store     domain.DeliveryStore
	providers map[string]domain.Provider
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates the delivery engine over the given channel providers.
func NewEngine(store domain.DeliveryStore, providers []domain.Provider, logger *slog.Logger) *Engine {
	byChannel := make(map[string]domain.Provider, len(providers))
	for _, p := range providers {
		byChannel[p.Channel()] = p
	}
	return &Engine{store: store, providers: byChannel, logger: logger, now: time.Now}
}

// Deliver validates req, creates or replays the delivery request, and drives
// the winning request through the provider.
func (e *Engine) Deliver(ctx context.Context, req *domain.NotifyV1) (*Result, error) {
	const op = "Delivery.Deliver"
	ctx, span := tracer.StartSpan(ctx, "messenger.deliver")
	defer span.End()

	provider, err := e.validate(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	key := IdempotencyKey(req)
	span.SetAttributes(tracer.StringAttr("delivery.channel", req.Delivery.Channel))

	envelope, err := json.Marshal(req)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	reqID := ""
	if req.RequestContext != nil {
		reqID = req.RequestContext.RequestID
	}
	row := domain.DeliveryRequest{
		ID:              domain.NewRowID(),
		IdempotencyKey:  key,
		RequestID:       reqID,
		OriginButler:    req.OriginButler,
		Channel:         req.Delivery.Channel,
		Intent:          req.Delivery.Intent,
		TargetIdentity:  NormalizedTarget(req),
		MessageContent:  req.Delivery.Message,
		Subject:         req.Delivery.Subject,
		RequestEnvelope: envelope,
		Status:          domain.DeliveryPending,
		CreatedAt:       e.now(),
	}

	if err := e.store.Create(ctx, row); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp(op, fmt.Errorf("%w: delivery create: %v", domain.ErrUnavailable, err))
		}
		span.SetAttributes(tracer.BoolAttr("delivery.replayed", true))
		return e.replay(ctx, key)
	}

	return e.drive(ctx, row, provider, req)
}

// replay answers a duplicate Deliver call from the winning request's state.
func (e *Engine) replay(ctx context.Context, key string) (*Result, error) {
	const op = "Delivery.Replay"
	winner, err := e.store.Load(ctx, key)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	res := &Result{Status: winner.Status, DeliveryID: winner.ID, Replayed: true}
	if !domain.TerminalDeliveryStatus(winner.Status) {
		// In flight: exactly one worker advances this key; the duplicate
		// observes the current status.
		return res, nil
	}

	if winner.Status == domain.DeliveryDelivered {
		if rec, err := e.store.SentReceipt(ctx, winner.ID); err == nil {
			res.ProviderDeliveryID = rec.ProviderDeliveryID
		}
		return res, nil
	}

	// failed / dead_lettered: the original terminal error, verbatim.
	return res, &domain.EnvelopeError{
		Class:     domain.ErrorClass(winner.TerminalErrorClass),
		Message:   winner.TerminalErrorMessage,
		Retryable: false,
	}
}

// drive takes a freshly created pending request through the provider.
func (e *Engine) drive(ctx context.Context, row domain.DeliveryRequest, provider domain.Provider, req *domain.NotifyV1) (*Result, error) {
	const op = "Delivery.Drive"
	if err := e.store.Advance(ctx, row.ID); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			// Another worker advanced the row between create and here.
			return &Result{Status: domain.DeliveryInProgress, DeliveryID: row.ID, Replayed: true}, nil
		}
		return nil, domain.WrapOp(op, err)
	}

	provRes, sendErr := provider.Send(ctx, row.TargetIdentity, row.Subject, row.MessageContent, req.Delivery.Metadata)
	if sendErr != nil {
		ee := domain.ToEnvelopeError(sendErr)
		if termErr := e.store.Terminate(ctx, row.ID, domain.DeliveryFailed, string(ee.Class), ee.Message, e.now()); termErr != nil {
			e.logger.Error("delivery terminate failed", "delivery_id", row.ID, "error", termErr)
		}
		e.logger.Warn("provider send failed",
			"delivery_id", row.ID,
			"channel", row.Channel,
			"class", string(ee.Class),
			"retryable", ee.Retryable)
		return &Result{Status: domain.DeliveryFailed, DeliveryID: row.ID}, ee
	}

	if provRes != nil && provRes.ProviderDeliveryID != "" {
		rec := domain.DeliveryReceipt{
			DeliveryRequestID:  row.ID,
			ProviderDeliveryID: provRes.ProviderDeliveryID,
			ReceiptType:        domain.ReceiptSent,
			ReceivedAt:         e.now(),
		}
		if err := e.store.InsertReceipt(ctx, rec); err != nil {
			e.logger.Error("receipt insert failed", "delivery_id", row.ID, "error", err)
		}
	}
	if err := e.store.Terminate(ctx, row.ID, domain.DeliveryDelivered, "", "", e.now()); err != nil {
		e.logger.Error("delivery terminate failed", "delivery_id", row.ID, "error", err)
	}

	e.logger.Info("delivery completed",
		"delivery_id", row.ID,
		"channel", row.Channel,
		"intent", row.Intent)
	res := &Result{Status: domain.DeliveryDelivered, DeliveryID: row.ID}
	if provRes != nil {
		res.ProviderDeliveryID = provRes.ProviderDeliveryID
	}
	return res, nil
}

func (e *Engine) validate(req *domain.NotifyV1) (domain.Provider, error) {
	const op = "Delivery.Validate"
	if req.Delivery.Intent != domain.IntentSend && req.Delivery.Intent != domain.IntentReply {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("unknown intent %q", req.Delivery.Intent))
	}
	if req.Delivery.Message == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "message is empty")
	}
	if req.Delivery.Intent == domain.IntentSend && req.Delivery.Recipient == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "send intent requires a recipient")
	}
	if req.Delivery.Intent == domain.IntentReply {
		if req.RequestContext == nil || req.RequestContext.SourceSenderIdentity == "" {
			return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "reply intent requires the originating request context")
		}
	}
	provider, ok := e.providers[req.Delivery.Channel]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("no provider for channel %q", req.Delivery.Channel))
	}
	return provider, nil
}
