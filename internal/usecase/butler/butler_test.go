package butler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/infra/logger"
	"butlerd/internal/usecase/classify"
	"butlerd/internal/usecase/notify"
	"butlerd/internal/usecase/triage"
)

type fakeInbox struct {
	mu         sync.Mutex
	lifecycles []string
	summary    string
	decomp     json.RawMessage
	outcomes   json.RawMessage
}

func (f *fakeInbox) Insert(context.Context, domain.InboxMessage) error { return nil }
func (f *fakeInbox) FindByDedupeKey(context.Context, string) (string, error) {
	return "", domain.ErrNotFound
}
func (f *fakeInbox) Get(context.Context, string) (*domain.InboxMessage, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeInbox) SetLifecycle(_ context.Context, _, state, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycles = append(f.lifecycles, state)
	if summary != "" {
		f.summary = summary
	}
	return nil
}

func (f *fakeInbox) AttachOutcome(_ context.Context, _ string, dec, out json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decomp = dec
	f.outcomes = out
	return nil
}

type fakeAffinity struct {
	mu      sync.Mutex
	records []domain.RoutingRecord
}

func (f *fakeAffinity) Record(_ context.Context, r domain.RoutingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeAffinity) History(context.Context, string, string) ([]domain.RoutingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

type fakeState struct{}

func (fakeState) Get(context.Context, string) (*domain.StateEntry, error) {
	return nil, domain.ErrNotFound
}
func (fakeState) Set(context.Context, string, json.RawMessage) error { return nil }
func (fakeState) Delete(context.Context, string) error               { return nil }
func (fakeState) ListPrefix(context.Context, string) ([]domain.StateEntry, error) {
	return nil, nil
}

type fakeCaller struct {
	mu       sync.Mutex
	calls    []domain.RouteV1
	failFor  map[string]error
	rejected map[string]bool
}

func (f *fakeCaller) CallRoute(_ context.Context, butler string, env domain.RouteV1) (*domain.RouteResponseV1, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, env)
	if err := f.failFor[butler]; err != nil {
		return nil, err
	}
	if f.rejected[butler] {
		return &domain.RouteResponseV1{
			SchemaVersion: domain.SchemaRouteResponseV1,
			Status:        domain.RouteStatusError,
			Error:         &domain.EnvelopeError{Class: domain.ClassValidation, Message: "rejected"},
		}, nil
	}
	return &domain.RouteResponseV1{
		SchemaVersion: domain.SchemaRouteResponseV1,
		Status:        domain.RouteStatusAccepted,
		InboxID:       "inbox-" + butler,
	}, nil
}

type fixedDecomposer struct {
	entries []classify.Entry
}

func (d fixedDecomposer) Classify(context.Context, domain.InboxMessage) []classify.Entry {
	return d.entries
}

func newDispatcher(inbox *fakeInbox, aff *fakeAffinity, caller *fakeCaller, dec Decomposer, rules []triage.Rule) *Dispatcher {
	lookup := triage.NewAffinityLookup(aff, fakeState{}, []string{"telegram"},
		domain.AffinitySettings{Enabled: true, TTLDays: 30}, logger.Discard())
	engine := triage.NewEngine(lookup, rules, logger.Discard())
	return NewDispatcher(inbox, engine, dec, lookup, caller, logger.Discard())
}

func message(text, thread string) domain.InboxMessage {
	return domain.InboxMessage{
		ID:             "req-1",
		ReceivedAt:     time.Now(),
		NormalizedText: text,
		RequestContext: domain.RequestContext{
			RequestID:            "req-1",
			SourceChannel:        "telegram",
			SourceSenderIdentity: "tg:42",
			SourceThreadIdentity: thread,
		},
	}
}

func TestDispatchTriageRuleBypassesClassifier(t *testing.T) {
	inbox := &fakeInbox{}
	aff := &fakeAffinity{}
	caller := &fakeCaller{}
	dec := fixedDecomposer{entries: []classify.Entry{{Butler: "general", Prompt: "x", Segment: classify.Segment{Rationale: "r"}}}}
	d := newDispatcher(inbox, aff, caller, dec, []triage.Rule{
		{Priority: 1, Keyword: "workout", TargetButler: "health"},
	})

	d.Dispatch(context.Background(), message("log my workout", "th-1"))

	if len(caller.calls) != 1 {
		t.Fatalf("route calls = %d, want 1", len(caller.calls))
	}
	env := caller.calls[0]
	if env.Target.Butler != "health" {
		t.Errorf("dispatched to %q, want health", env.Target.Butler)
	}
	if env.RequestContext.SourceEndpointIdentity != notify.SwitchboardIdentity {
		t.Errorf("caller identity = %q", env.RequestContext.SourceEndpointIdentity)
	}

	last := inbox.lifecycles[len(inbox.lifecycles)-1]
	if last != domain.InboxCompleted {
		t.Errorf("terminal state = %q", last)
	}
	if !strings.Contains(inbox.summary, "health") {
		t.Errorf("summary = %q", inbox.summary)
	}
	if len(aff.records) != 1 || aff.records[0].Butler != "health" {
		t.Errorf("affinity records = %+v", aff.records)
	}
}

func TestDispatchClassifierFanOut(t *testing.T) {
	inbox := &fakeInbox{}
	caller := &fakeCaller{}
	dec := fixedDecomposer{entries: []classify.Entry{
		{Butler: "health", Prompt: "book a checkup", Segment: classify.Segment{Rationale: "a"}},
		{Butler: "finance", Prompt: "pay the bill", Segment: classify.Segment{Rationale: "b"}},
	}}
	d := newDispatcher(inbox, &fakeAffinity{}, caller, dec, nil)

	d.Dispatch(context.Background(), message("checkup and bill", ""))

	if len(caller.calls) != 2 {
		t.Fatalf("route calls = %d, want 2", len(caller.calls))
	}
	var outcomes []DispatchOutcome
	if err := json.Unmarshal(inbox.outcomes, &outcomes); err != nil {
		t.Fatalf("decode outcomes: %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].InboxID == "" || outcomes[1].InboxID == "" {
		t.Errorf("outcomes = %+v", outcomes)
	}
	var entries []classify.Entry
	if err := json.Unmarshal(inbox.decomp, &entries); err != nil {
		t.Fatalf("decode decomposition: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("decomposition entries = %d", len(entries))
	}
}

func TestDispatchPartialFailureStillCompletes(t *testing.T) {
	inbox := &fakeInbox{}
	caller := &fakeCaller{failFor: map[string]error{"finance": errors.New("down")}}
	dec := fixedDecomposer{entries: []classify.Entry{
		{Butler: "health", Prompt: "a", Segment: classify.Segment{Rationale: "r"}},
		{Butler: "finance", Prompt: "b", Segment: classify.Segment{Rationale: "r"}},
	}}
	d := newDispatcher(inbox, &fakeAffinity{}, caller, dec, nil)

	d.Dispatch(context.Background(), message("both", ""))

	last := inbox.lifecycles[len(inbox.lifecycles)-1]
	if last != domain.InboxCompleted {
		t.Errorf("terminal state = %q, want completed on partial success", last)
	}
	if !strings.Contains(inbox.summary, "failed for finance") {
		t.Errorf("summary = %q", inbox.summary)
	}
}

func TestDispatchAllFailedErrors(t *testing.T) {
	inbox := &fakeInbox{}
	caller := &fakeCaller{rejected: map[string]bool{"general": true}}
	dec := fixedDecomposer{entries: []classify.Entry{
		{Butler: "general", Prompt: "p", Segment: classify.Segment{Rationale: "r"}},
	}}
	aff := &fakeAffinity{}
	d := newDispatcher(inbox, aff, caller, dec, nil)

	d.Dispatch(context.Background(), message("p", "th-9"))

	last := inbox.lifecycles[len(inbox.lifecycles)-1]
	if last != domain.InboxErrored {
		t.Errorf("terminal state = %q, want errored", last)
	}
	if len(aff.records) != 0 {
		t.Errorf("failed dispatch recorded affinity: %+v", aff.records)
	}
}

type fakeRegistry struct {
	mu        sync.Mutex
	upserts   int
	beats     int
	beatErr   error
	lastBeatT time.Time
}

func (f *fakeRegistry) Upsert(context.Context, domain.ButlerRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return nil
}

func (f *fakeRegistry) Get(context.Context, string) (*domain.ButlerRegistration, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeRegistry) List(context.Context) ([]domain.ButlerRegistration, error) { return nil, nil }

func (f *fakeRegistry) Heartbeat(_ context.Context, _ string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	f.lastBeatT = at
	return f.beatErr
}

func (f *fakeRegistry) Transition(context.Context, domain.EligibilityTransition) error { return nil }

func TestHeartbeatRegisterAndBeat(t *testing.T) {
	reg := &fakeRegistry{}
	h := NewHeartbeat(reg, domain.ButlerRegistration{
		Name:               "health",
		Modules:            []string{"calendar"},
		LivenessTTLSeconds: 300,
	}, logger.Discard())

	if h.interval != 100*time.Second {
		t.Errorf("interval = %v, want ttl/3", h.interval)
	}
	if err := h.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.upserts != 1 {
		t.Errorf("upserts = %d", reg.upserts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx) // immediate beat, then exit on cancelled ctx
	if reg.beats != 1 {
		t.Errorf("beats = %d, want 1", reg.beats)
	}
}

func TestDaemonRunsAllTasksUntilCancel(t *testing.T) {
	d := NewDaemon("health", logger.Discard())
	var started sync.WaitGroup
	started.Add(2)
	d.Add("a", func(ctx context.Context) { started.Done(); <-ctx.Done() })
	d.Add("b", func(ctx context.Context) { started.Done(); <-ctx.Done() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	started.Wait()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
}
