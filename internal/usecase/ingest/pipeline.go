package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonschema"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
)

// ingestSchema is the wire contract for ingest.v1. Structural rules the
// schema cannot express (allowed channel/provider pairs, timezone presence)
// are checked in code after validation.
const ingestSchema = `{
  "type": "object",
  "required": ["schema_version", "source", "event", "sender", "payload"],
  "properties": {
    "schema_version": {"const": "ingest.v1"},
    "source": {
      "type": "object",
      "required": ["channel", "provider", "endpoint_identity"],
      "properties": {
        "channel": {"type": "string", "minLength": 1},
        "provider": {"type": "string", "minLength": 1},
        "endpoint_identity": {"type": "string", "minLength": 1}
      }
    },
    "event": {
      "type": "object",
      "required": ["observed_at"],
      "properties": {
        "external_event_id": {"type": "string"},
        "external_thread_id": {"type": "string"},
        "observed_at": {"type": "string"}
      }
    },
    "sender": {
      "type": "object",
      "required": ["identity"],
      "properties": {"identity": {"type": "string", "minLength": 1}}
    },
    "payload": {
      "type": "object",
      "required": ["normalized_text"],
      "properties": {
        "raw": {},
        "normalized_text": {"type": "string"}
      }
    },
    "control": {"type": "object"}
  }
}`

// Dispatcher receives an accepted inbox message for triage and
// classification. The ingest pipeline invokes it asynchronously; HTTP-level
// acceptance never waits for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.InboxMessage)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, msg domain.InboxMessage)

func (f DispatcherFunc) Dispatch(ctx context.Context, msg domain.InboxMessage) { f(ctx, msg) }

// Pipeline is the Switchboard's canonical entry point for inbound messages.
type Pipeline struct {
	store      domain.InboxStore
	dispatcher Dispatcher
	allowed    map[string]bool // "channel/provider"
	schema     *jsonschema.Schema
	logger     *slog.Logger
	now        func() time.Time
}

// NewPipeline creates the ingest pipeline. allowedSources lists permitted
// (channel, provider) pairs.
func NewPipeline(store domain.InboxStore, dispatcher Dispatcher, allowedSources [][2]string, logger *slog.Logger) (*Pipeline, error) {
	compiled, err := jsonschema.NewCompiler().Compile([]byte(ingestSchema))
	if err != nil {
		return nil, fmt.Errorf("compile ingest schema: %w", err)
	}
	allowed := make(map[string]bool, len(allowedSources))
	for _, pair := range allowedSources {
		allowed[pair[0]+"/"+pair[1]] = true
	}
	return &Pipeline{
		store:      store,
		dispatcher: dispatcher,
		allowed:    allowed,
		schema:     compiled,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Accept validates and persists one ingest.v1 envelope. Duplicates return
// the original request id with duplicate=true and write nothing.
func (p *Pipeline) Accept(ctx context.Context, raw []byte) (*domain.IngestResult, error) {
	const op = "Ingest.Accept"
	ctx, span := tracer.StartSpan(ctx, "switchboard.ingest")
	defer span.End()

	env, err := p.validate(raw)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	key, strategy := DedupeKey(env)
	span.SetAttributes(tracer.StringAttr("ingest.dedupe_strategy", strategy))

	if requestID, err := p.store.FindByDedupeKey(ctx, key); err == nil {
		span.SetAttributes(tracer.BoolAttr("ingest.duplicate", true))
		tracer.SetOK(span)
		return &domain.IngestResult{RequestID: requestID, Status: "accepted", Duplicate: true}, nil
	} else if !isNotFound(err) {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, fmt.Errorf("%w: dedupe lookup: %v", domain.ErrUnavailable, err))
	}

	requestID, err := domain.NewRequestID()
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	now := p.now()

	msg := domain.InboxMessage{
		ID:         requestID,
		ReceivedAt: now,
		RequestContext: domain.RequestContext{
			RequestID:              requestID,
			ReceivedAt:             now,
			SourceChannel:          env.Source.Channel,
			SourceEndpointIdentity: env.Source.EndpointIdentity,
			SourceSenderIdentity:   env.Sender.Identity,
			SourceThreadIdentity:   env.Event.ExternalThreadID,
			DedupeKey:              key,
			DedupeStrategy:         strategy,
			TraceContext:           env.Control.TraceContext,
		},
		RawPayload:     env.Payload.Raw,
		NormalizedText: env.Payload.NormalizedText,
		Direction:      domain.DirectionInbound,
		LifecycleState: domain.InboxAccepted,
		SchemaVersion:  domain.SchemaIngestV1,
		TraceID:        tracer.TraceID(ctx),
	}

	if err := p.store.Insert(ctx, msg); err != nil {
		if isDuplicate(err) {
			// Lost a race with a concurrent submission of the same key.
			if requestID, lookupErr := p.store.FindByDedupeKey(ctx, key); lookupErr == nil {
				return &domain.IngestResult{RequestID: requestID, Status: "accepted", Duplicate: true}, nil
			}
		}
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, fmt.Errorf("%w: inbox insert: %v", domain.ErrUnavailable, err))
	}

	p.logger.Info("message accepted",
		"request_id", requestID,
		"channel", env.Source.Channel,
		"sender", env.Sender.Identity,
		"dedupe_strategy", strategy)

	// Triage and classification run after acceptance; the connector's call
	// returns as soon as the row is durable.
	go p.dispatcher.Dispatch(context.WithoutCancel(ctx), msg)

	tracer.SetOK(span)
	return &domain.IngestResult{RequestID: requestID, Status: "accepted", Duplicate: false}, nil
}

// validate runs schema validation plus the structural checks the schema
// cannot express. Invalid envelopes fail the call; nothing is written.
func (p *Pipeline) validate(raw []byte) (*domain.IngestV1, error) {
	const op = "Ingest.Validate"

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "envelope is not valid JSON")
	}
	if result := p.schema.Validate(generic); !result.IsValid() {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, result.Error())
	}

	var env domain.IngestV1
	if err := json.Unmarshal(raw, &env); err != nil {
		// Usually a malformed observed_at; RFC3339 requires an offset.
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("envelope decode: %v", err))
	}
	if env.Event.ObservedAt.IsZero() {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "observed_at is required")
	}
	if !p.allowed[env.Source.Channel+"/"+env.Source.Provider] {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("channel/provider pair %s/%s not allowed", env.Source.Channel, env.Source.Provider))
	}
	return &env, nil
}

func isNotFound(err error) bool {
	return err != nil && domain.ClassOf(err) == domain.ClassNotFound
}

func isDuplicate(err error) bool {
	return err != nil && domain.ClassOf(err) == domain.ClassDuplicate
}
