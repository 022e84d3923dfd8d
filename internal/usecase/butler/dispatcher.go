package butler

import (
	"context"
	"encoding/json"
	"log/slog"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
	"butlerd/internal/usecase/classify"
	"butlerd/internal/usecase/notify"
	"butlerd/internal/usecase/triage"
)

// Decomposer produces the dispatch entries for a message the triage rules did
// not claim.
type Decomposer interface {
	Classify(ctx context.Context, msg domain.InboxMessage) []classify.Entry
}

// DispatchOutcome records how one route.execute fan-out call went. The full
// set is attached to the inbox row for audit.
type DispatchOutcome struct {
	Butler  string `json:"butler"`
	Status  string `json:"status"` // accepted | ok | error
	InboxID string `json:"inbox_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher is the Switchboard's post-acceptance pipeline: triage, classify,
// fan out to target butlers, record the outcomes. It runs detached from the
// ingest HTTP call.
type Dispatcher struct {
	inbox      domain.InboxStore
	triage     *triage.Engine
	classifier Decomposer
	affinity   *triage.AffinityLookup
	caller     notify.RouteCaller
	logger     *slog.Logger
}

// NewDispatcher creates the Switchboard dispatcher.
func NewDispatcher(inbox domain.InboxStore, tri *triage.Engine, classifier Decomposer, affinity *triage.AffinityLookup, caller notify.RouteCaller, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		inbox:      inbox,
		triage:     tri,
		classifier: classifier,
		affinity:   affinity,
		caller:     caller,
		logger:     logger,
	}
}

// Dispatch processes one accepted message to a terminal lifecycle state.
// Failures are absorbed into the inbox row; Dispatch never panics the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboxMessage) {
	ctx, span := tracer.StartSpan(ctx, "switchboard.dispatch")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("request.id", msg.ID))

	if err := d.inbox.SetLifecycle(ctx, msg.ID, domain.InboxProcessing, ""); err != nil {
		d.logger.Error("lifecycle advance failed", "request_id", msg.ID, "error", err)
	}

	entries := d.decompose(ctx, msg)
	outcomes := d.fanOut(ctx, msg, entries)

	d.attach(ctx, msg.ID, entries, outcomes)

	routed := 0
	for _, o := range outcomes {
		if o.Status != "error" {
			routed++
			d.recordAffinity(ctx, msg, o.Butler)
		}
	}

	state := domain.InboxCompleted
	summary := summarize(outcomes)
	if routed == 0 {
		state = domain.InboxErrored
	}
	if err := d.inbox.SetLifecycle(ctx, msg.ID, state, summary); err != nil {
		d.logger.Error("terminal lifecycle write failed", "request_id", msg.ID, "error", err)
	}

	span.SetAttributes(tracer.IntAttr("dispatch.routed", routed))
	if routed == 0 {
		tracer.RecordError(span, domain.ErrUnavailable)
		return
	}
	tracer.SetOK(span)
}

// decompose runs triage first; a rule or affinity match bypasses the
// classifier entirely.
func (d *Dispatcher) decompose(ctx context.Context, msg domain.InboxMessage) []classify.Entry {
	decision := d.triage.Decide(ctx, msg)
	if decision.Decision == triage.DecisionRouteTo {
		return []classify.Entry{{
			Butler:  decision.TargetButler,
			Prompt:  msg.NormalizedText,
			Segment: classify.Segment{Rationale: decision.MatchedRuleType},
		}}
	}
	return d.classifier.Classify(ctx, msg)
}

func (d *Dispatcher) fanOut(ctx context.Context, msg domain.InboxMessage, entries []classify.Entry) []DispatchOutcome {
	outcomes := make([]DispatchOutcome, 0, len(entries))
	for _, entry := range entries {
		outcomes = append(outcomes, d.dispatchOne(ctx, msg, entry))
	}
	return outcomes
}

func (d *Dispatcher) dispatchOne(ctx context.Context, msg domain.InboxMessage, entry classify.Entry) DispatchOutcome {
	rc := msg.RequestContext
	rc.SourceEndpointIdentity = notify.SwitchboardIdentity

	env := domain.RouteV1{
		SchemaVersion:  domain.SchemaRouteV1,
		RequestContext: rc,
		Target:         domain.RouteTarget{Butler: entry.Butler, Tool: "route.execute"},
		Input:          domain.RouteInput{Prompt: entry.Prompt},
	}

	resp, err := d.caller.CallRoute(ctx, entry.Butler, env)
	if err != nil {
		d.logger.Error("route dispatch failed",
			"request_id", msg.ID,
			"butler", entry.Butler,
			"error", err)
		return DispatchOutcome{Butler: entry.Butler, Status: "error", Error: err.Error()}
	}
	if resp.Status == domain.RouteStatusError {
		msgText := "route rejected"
		if resp.Error != nil {
			msgText = resp.Error.Message
		}
		return DispatchOutcome{Butler: entry.Butler, Status: "error", Error: msgText}
	}

	d.logger.Info("message dispatched",
		"request_id", msg.ID,
		"butler", entry.Butler,
		"status", resp.Status)
	return DispatchOutcome{Butler: entry.Butler, Status: resp.Status, InboxID: resp.InboxID}
}

func (d *Dispatcher) attach(ctx context.Context, requestID string, entries []classify.Entry, outcomes []DispatchOutcome) {
	dec, err := json.Marshal(entries)
	if err != nil {
		d.logger.Error("decomposition marshal failed", "request_id", requestID, "error", err)
		return
	}
	out, err := json.Marshal(outcomes)
	if err != nil {
		d.logger.Error("outcomes marshal failed", "request_id", requestID, "error", err)
		return
	}
	if err := d.inbox.AttachOutcome(ctx, requestID, dec, out); err != nil {
		d.logger.Error("outcome attach failed", "request_id", requestID, "error", err)
	}
}

// recordAffinity appends the routing decision to thread history so the next
// message in the thread sticks to the same butler.
func (d *Dispatcher) recordAffinity(ctx context.Context, msg domain.InboxMessage, butler string) {
	err := d.affinity.Record(ctx,
		msg.RequestContext.SourceChannel,
		msg.RequestContext.SourceThreadIdentity,
		butler)
	if err != nil {
		d.logger.Warn("affinity record failed", "request_id", msg.ID, "butler", butler, "error", err)
	}
}

func summarize(outcomes []DispatchOutcome) string {
	routed := make([]string, 0, len(outcomes))
	failed := make([]string, 0)
	for _, o := range outcomes {
		if o.Status == "error" {
			failed = append(failed, o.Butler)
			continue
		}
		routed = append(routed, o.Butler)
	}
	switch {
	case len(failed) == 0:
		return "routed to " + join(routed)
	case len(routed) == 0:
		return "dispatch failed for " + join(failed)
	default:
		return "routed to " + join(routed) + "; failed for " + join(failed)
	}
}

func join(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
