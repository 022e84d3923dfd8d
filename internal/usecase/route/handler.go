package route

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
)

// Processor executes one route envelope, typically by spawning a session.
// Implementations return the session id for audit linkage.
type Processor interface {
	Process(ctx context.Context, env domain.RouteV1) (sessionID string, result json.RawMessage, err error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, env domain.RouteV1) (string, json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, env domain.RouteV1) (string, json.RawMessage, error) {
	return f(ctx, env)
}

// Handler is a butler's route.execute surface. Butlers carrying the
// messenger module process synchronously; everyone else accepts into the
// route inbox and lets the worker pick it up.
type Handler struct {
	butler  string
	trusted map[string]bool
	inbox   domain.RouteInboxStore
	sync    Processor // non-nil only for the messenger butler
	wake    func()    // pokes the worker after an accept; may be nil
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates the asynchronous route handler for a butler.
func NewHandler(butler string, trustedCallers []string, inbox domain.RouteInboxStore, logger *slog.Logger) *Handler {
	trusted := make(map[string]bool, len(trustedCallers))
	for _, c := range trustedCallers {
		trusted[c] = true
	}
	return &Handler{
		butler:  butler,
		trusted: trusted,
		inbox:   inbox,
		logger:  logger,
		now:     time.Now,
	}
}

// NewSyncHandler creates a route handler that processes envelopes inline
// instead of queueing them. The messenger butler uses this.
func NewSyncHandler(butler string, trustedCallers []string, proc Processor, logger *slog.Logger) *Handler {
	h := NewHandler(butler, trustedCallers, nil, logger)
	h.sync = proc
	return h
}

// OnAccept registers a callback invoked after each asynchronous accept,
// letting the worker skip its poll interval.
func (h *Handler) OnAccept(wake func()) { h.wake = wake }

// Execute validates and authorizes env, then either processes it inline or
// accepts it into the route inbox. Authorization failures return before any
// side effects.
func (h *Handler) Execute(ctx context.Context, env domain.RouteV1) (*domain.RouteResponseV1, error) {
	const op = "Route.Execute"
	ctx, span := tracer.StartSpan(ctx, "route.execute")
	defer span.End()
	span.SetAttributes(tracer.StringAttr(tracer.ButlerNameKey, h.butler))

	if err := h.authorize(env); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if h.sync != nil {
		_, result, err := h.sync.Process(ctx, env)
		if err != nil {
			tracer.RecordError(span, err)
			return &domain.RouteResponseV1{
				SchemaVersion: domain.SchemaRouteResponseV1,
				Status:        domain.RouteStatusError,
				Error:         domain.ToEnvelopeError(err),
			}, nil
		}
		tracer.SetOK(span)
		return &domain.RouteResponseV1{
			SchemaVersion: domain.SchemaRouteResponseV1,
			Status:        domain.RouteStatusOK,
			Result:        result,
		}, nil
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	entry := domain.RouteInboxEntry{
		ID:             domain.NewRowID(),
		ReceivedAt:     h.now(),
		RouteEnvelope:  raw,
		LifecycleState: domain.RouteInboxAccepted,
	}
	if err := h.inbox.Insert(ctx, entry); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, fmt.Errorf("%w: route inbox insert: %v", domain.ErrUnavailable, err))
	}

	h.logger.Info("route accepted",
		"request_id", env.RequestContext.RequestID,
		"caller", env.RequestContext.SourceEndpointIdentity,
		"inbox_id", entry.ID)
	if h.wake != nil {
		h.wake()
	}

	tracer.SetOK(span)
	return &domain.RouteResponseV1{
		SchemaVersion: domain.SchemaRouteResponseV1,
		Status:        domain.RouteStatusAccepted,
		InboxID:       entry.ID,
	}, nil
}

func (h *Handler) authorize(env domain.RouteV1) error {
	const op = "Route.Authorize"
	if env.SchemaVersion != domain.SchemaRouteV1 {
		return domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("schema_version %q, want %s", env.SchemaVersion, domain.SchemaRouteV1))
	}
	if !h.trusted[env.RequestContext.SourceEndpointIdentity] {
		return domain.NewDomainError(op, domain.ErrUntrustedCaller,
			fmt.Sprintf("caller %q is not a trusted route caller", env.RequestContext.SourceEndpointIdentity))
	}
	if err := domain.ValidateRequestID(env.RequestContext.RequestID); err != nil {
		return err
	}
	if env.Target.Butler != h.butler {
		return domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("envelope targets %q, this butler is %q", env.Target.Butler, h.butler))
	}
	return nil
}

// ErrorResponse renders err as a route_response.v1 document for transports
// that must always answer with an envelope.
func ErrorResponse(err error) *domain.RouteResponseV1 {
	return &domain.RouteResponseV1{
		SchemaVersion: domain.SchemaRouteResponseV1,
		Status:        domain.RouteStatusError,
		Error:         domain.ToEnvelopeError(err),
	}
}
