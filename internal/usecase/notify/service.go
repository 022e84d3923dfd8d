package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
)

// SwitchboardIdentity is the endpoint identity the Switchboard presents when
// it invokes route.execute on other butlers.
const SwitchboardIdentity = "switchboard"

// RouteCaller invokes route.execute on a named butler. The butler daemon
// wires this to the MCP transport; tests stub it.
type RouteCaller interface {
	CallRoute(ctx context.Context, butler string, env domain.RouteV1) (*domain.RouteResponseV1, error)
}

// RouteCallerFunc adapts a function to the RouteCaller interface.
type RouteCallerFunc func(ctx context.Context, butler string, env domain.RouteV1) (*domain.RouteResponseV1, error)

func (f RouteCallerFunc) CallRoute(ctx context.Context, butler string, env domain.RouteV1) (*domain.RouteResponseV1, error) {
	return f(ctx, butler, env)
}

// routeContext is the input.context document carried inside the route
// envelope for messenger deliveries.
type routeContext struct {
	NotifyRequest *domain.NotifyV1 `json:"notify_request"`
}

// deliveryResult is the messenger's route result payload.
type deliveryResult struct {
	Channel            string `json:"channel"`
	DeliveryID         string `json:"delivery_id"`
	ProviderDeliveryID string `json:"provider_delivery_id,omitempty"`
	Status             string `json:"status"`
}

// Service is the Switchboard's deliver surface: it validates the notify
// request, wraps it in a route.v1 envelope, and routes it to an eligible
// messenger butler.
type Service struct {
	registry domain.RegistryStore
	caller   RouteCaller
	logger   *slog.Logger
}

// NewService creates the notify service.
func NewService(registry domain.RegistryStore, caller RouteCaller, logger *slog.Logger) *Service {
	return &Service{registry: registry, caller: caller, logger: logger}
}

// Deliver routes req to a messenger butler on behalf of callerButler. The
// origin butler named in the request must match the caller.
func (s *Service) Deliver(ctx context.Context, callerButler string, req *domain.NotifyV1) (*domain.NotifyResponseV1, error) {
	const op = "Notify.Deliver"
	ctx, span := tracer.StartSpan(ctx, "switchboard.deliver")
	defer span.End()

	if req.OriginButler != callerButler {
		err := domain.NewDomainError(op, domain.ErrOriginMismatch,
			fmt.Sprintf("origin_butler %q does not match caller %q", req.OriginButler, callerButler))
		tracer.RecordError(span, err)
		return nil, err
	}
	if req.SchemaVersion != domain.SchemaNotifyV1 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("schema_version %q, want %s", req.SchemaVersion, domain.SchemaNotifyV1))
	}

	messenger, err := s.pickMessenger(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("notify.messenger", messenger))

	env, err := s.wrap(messenger, req)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	resp, err := s.caller.CallRoute(ctx, messenger, env)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	if resp.Status != domain.RouteStatusOK {
		ee := resp.Error
		if ee == nil {
			ee = &domain.EnvelopeError{Class: domain.ClassInternal, Message: "messenger returned no result"}
		}
		return &domain.NotifyResponseV1{
			SchemaVersion: domain.SchemaNotifyResponseV1,
			Status:        "error",
			Error:         ee,
		}, nil
	}

	var res deliveryResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, domain.WrapOp(op, fmt.Errorf("decode messenger result: %w", err))
	}
	tracer.SetOK(span)
	return &domain.NotifyResponseV1{
		SchemaVersion: domain.SchemaNotifyResponseV1,
		Status:        "ok",
		Delivery: &domain.NotifyReceipt{
			Channel:            res.Channel,
			DeliveryID:         res.DeliveryID,
			ProviderDeliveryID: res.ProviderDeliveryID,
		},
	}, nil
}

// wrap builds the route.v1 envelope targeting messenger.route.execute. The
// original ingestion context rides inside input.context.notify_request for
// reply targeting; the outer envelope identifies the Switchboard.
func (s *Service) wrap(messenger string, req *domain.NotifyV1) (domain.RouteV1, error) {
	requestID := ""
	receivedAt := time.Time{}
	thread := ""
	if req.RequestContext != nil {
		requestID = req.RequestContext.RequestID
		receivedAt = req.RequestContext.ReceivedAt
		thread = req.RequestContext.SourceThreadIdentity
	}
	if requestID == "" {
		var err error
		requestID, err = domain.NewRequestID()
		if err != nil {
			return domain.RouteV1{}, err
		}
		receivedAt = time.Now()
	}

	rc, err := json.Marshal(routeContext{NotifyRequest: req})
	if err != nil {
		return domain.RouteV1{}, err
	}
	return domain.RouteV1{
		SchemaVersion: domain.SchemaRouteV1,
		RequestContext: domain.RequestContext{
			RequestID:              requestID,
			ReceivedAt:             receivedAt,
			SourceChannel:          req.Delivery.Channel,
			SourceEndpointIdentity: SwitchboardIdentity,
			SourceSenderIdentity:   req.OriginButler,
			SourceThreadIdentity:   thread,
		},
		Target: domain.RouteTarget{Butler: messenger, Tool: "route.execute"},
		Input: domain.RouteInput{
			Prompt:  req.Delivery.Message,
			Context: rc,
		},
	}, nil
}

// pickMessenger returns an eligibility-active butler advertising the
// messenger module.
func (s *Service) pickMessenger(ctx context.Context) (string, error) {
	const op = "Notify.PickMessenger"
	regs, err := s.registry.List(ctx)
	if err != nil {
		return "", domain.WrapOp(op, fmt.Errorf("%w: registry list: %v", domain.ErrUnavailable, err))
	}
	for _, r := range regs {
		if r.EligibilityState == domain.EligibilityActive && r.HasModule(domain.ModuleMessenger) {
			return r.Name, nil
		}
	}
	return "", domain.NewDomainError(op, domain.ErrButlerIneligible, "no active messenger butler")
}
