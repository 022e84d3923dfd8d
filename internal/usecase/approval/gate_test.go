package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"butlerd/internal/domain"
	"butlerd/internal/infra/logger"
)

type fakeApprovalStore struct {
	mu      sync.Mutex
	actions map[string]*domain.PendingAction
	rules   map[string]*domain.ApprovalRule
	events  []domain.ApprovalEvent
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{
		actions: map[string]*domain.PendingAction{},
		rules:   map[string]*domain.ApprovalRule{},
	}
}

func (f *fakeApprovalStore) InsertAction(_ context.Context, a domain.PendingAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := a
	f.actions[a.ID] = &cp
	return nil
}

func (f *fakeApprovalStore) GetAction(_ context.Context, id string) (*domain.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeApprovalStore) DecideAction(_ context.Context, id, to, decidedBy, ruleID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if a.Status != domain.ActionPending {
		return domain.ErrStateConflict
	}
	a.Status = to
	a.DecidedBy = decidedBy
	a.ApprovalRuleID = ruleID
	a.DecidedAt = &at
	return nil
}

func (f *fakeApprovalStore) MarkExecuted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.actions[id]
	if a.Status != domain.ActionApproved {
		return domain.ErrStateConflict
	}
	a.Status = domain.ActionExecuted
	return nil
}

func (f *fakeApprovalStore) ExpirePending(_ context.Context, cutoff time.Time) ([]domain.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.PendingAction
	for _, a := range f.actions {
		if a.Status == domain.ActionPending && a.ExpiresAt.Before(cutoff) {
			a.Status = domain.ActionExpired
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) InsertRule(_ context.Context, r domain.ApprovalRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := r
	f.rules[r.ID] = &cp
	return nil
}

func (f *fakeApprovalStore) ActiveRules(_ context.Context, toolName string, now time.Time) ([]domain.ApprovalRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ApprovalRule
	for _, r := range f.rules {
		if !r.Active || r.ToolName != toolName {
			continue
		}
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeApprovalStore) ConsumeRuleUse(_ context.Context, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rules[ruleID]
	r.UseCount++
	if r.MaxUses != nil && r.UseCount >= *r.MaxUses {
		r.Active = false
	}
	return nil
}

func (f *fakeApprovalStore) RevokeRule(_ context.Context, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[ruleID].Active = false
	return nil
}

func (f *fakeApprovalStore) AppendEvent(_ context.Context, e domain.ApprovalEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeApprovalStore) EventsForAction(_ context.Context, actionID string) ([]domain.ApprovalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ApprovalEvent
	for _, e := range f.events {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeContacts struct {
	byID      map[string]*domain.Contact
	byChannel map[string]*domain.Contact // "type/value"
}

func (f *fakeContacts) ByID(_ context.Context, id string) (*domain.Contact, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeContacts) ByChannel(_ context.Context, channelType, channelValue string) (*domain.Contact, error) {
	c, ok := f.byChannel[channelType+"/"+channelValue]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

type countingTool struct {
	name  string
	calls int
	fail  bool
}

func (c *countingTool) Name() string        { return c.name }
func (c *countingTool) Description() string { return "test tool" }
func (c *countingTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: c.name}
}
func (c *countingTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("send failed")
	}
	return &domain.ToolResult{Content: "sent"}, nil
}

func gatedSendMessage() []domain.GatedTool {
	return []domain.GatedTool{{
		Name:           "send_message",
		RiskTier:       "high",
		ExpiryHours:    24,
		RulePrecedence: []string{"specificity", "bounded", "recency", "id"},
	}}
}

func newGate(store *fakeApprovalStore, contacts *fakeContacts, tool *countingTool) *Gate {
	g := NewGate(store, contacts, gatedSendMessage(), logger.Discard())
	g.RegisterTool(tool)
	return g
}

func eventTypes(events []domain.ApprovalEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestOwnerFastPath(t *testing.T) {
	store := newFakeApprovalStore()
	contacts := &fakeContacts{byChannel: map[string]*domain.Contact{
		"telegram/tg:1": {EntityID: "e1", Name: "The Boss", Roles: []string{domain.RoleOwner}},
	}}
	tool := &countingTool{name: "send_message"}
	g := newGate(store, contacts, tool)

	res, err := g.Invoke(context.Background(), "send_message",
		json.RawMessage(`{"chat_id":"tg:1","message":"hello"}`), "sess-1", "send hello")
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Content)
	assert.Equal(t, 1, tool.calls)

	var action *domain.PendingAction
	for _, a := range store.actions {
		action = a
	}
	require.NotNil(t, action)
	assert.Equal(t, domain.ActionExecuted, action.Status)
	assert.Equal(t, domain.ActorOwnerRole, action.DecidedBy)

	want := []string{domain.EventActionQueued, domain.EventActionAutoApproved, domain.EventActionExecSuccess}
	assert.Equal(t, want, eventTypes(store.events))
	assert.Equal(t, domain.ActorOwnerRole, store.events[1].Actor)
}

func TestUnresolvableContactQueues(t *testing.T) {
	store := newFakeApprovalStore()
	tool := &countingTool{name: "send_message"}
	g := newGate(store, &fakeContacts{}, tool)

	res, err := g.Invoke(context.Background(), "send_message",
		json.RawMessage(`{"to":"stranger@example.com","message":"hi"}`), "", "")
	require.NoError(t, err)
	assert.Zero(t, tool.calls, "unapproved action executed")
	var pending PendingResult
	require.NoError(t, json.Unmarshal([]byte(res.Content), &pending))
	assert.Equal(t, "pending_approval", pending.Status)
	assert.NotEmpty(t, pending.ActionID)
	assert.Equal(t, "high", pending.RiskTier)
	assert.Len(t, pending.RulePrecedence, 4)
}

func TestStandingRuleAutoApproves(t *testing.T) {
	store := newFakeApprovalStore()
	uses := 2
	store.rules["r1"] = &domain.ApprovalRule{
		ID:             "r1",
		ToolName:       "send_message",
		ArgConstraints: map[string]string{"to": "ana@example.com"},
		CreatedAt:      time.Now().Add(-time.Hour),
		MaxUses:        &uses,
		Active:         true,
	}
	tool := &countingTool{name: "send_message"}
	g := newGate(store, &fakeContacts{}, tool)

	res, err := g.Invoke(context.Background(), "send_message",
		json.RawMessage(`{"to":"ana@example.com","message":"hi"}`), "", "")
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Content)
	assert.Equal(t, 1, tool.calls)
	assert.Equal(t, 1, store.rules["r1"].UseCount)
	for _, a := range store.actions {
		assert.Equal(t, "r1", a.ApprovalRuleID, "action not bound to the approving rule")
	}
}

func TestRulePrecedence(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour)
	rules := []domain.ApprovalRule{
		{ID: "broad", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com"}, CreatedAt: now},
		{ID: "specific", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com", "channel": "email"}, CreatedAt: now.Add(-time.Hour)},
	}
	args := json.RawMessage(`{"to":"a@x.com","channel":"email"}`)
	got := selectRule(rules, args)
	require.NotNil(t, got)
	assert.Equal(t, "specific", got.ID, "more specific constraints win")

	rules = []domain.ApprovalRule{
		{ID: "unbounded", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com"}, CreatedAt: now},
		{ID: "bounded", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com"}, CreatedAt: now.Add(-time.Hour), ExpiresAt: &exp},
	}
	got = selectRule(rules, args)
	require.NotNil(t, got)
	assert.Equal(t, "bounded", got.ID, "bounded scope wins")

	rules = []domain.ApprovalRule{
		{ID: "older", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com"}, CreatedAt: now.Add(-time.Hour)},
		{ID: "newer", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com"}, CreatedAt: now},
	}
	got = selectRule(rules, args)
	require.NotNil(t, got)
	assert.Equal(t, "newer", got.ID, "newer rule wins")

	rules = []domain.ApprovalRule{
		{ID: "bbb", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com"}, CreatedAt: now},
		{ID: "aaa", ToolName: "send_message", ArgConstraints: map[string]string{"to": "a@x.com"}, CreatedAt: now},
	}
	got = selectRule(rules, args)
	require.NotNil(t, got)
	assert.Equal(t, "aaa", got.ID, "lexical id tie-break")
}

func TestApproveExecutesAndCASGuards(t *testing.T) {
	store := newFakeApprovalStore()
	tool := &countingTool{name: "send_message"}
	g := newGate(store, &fakeContacts{}, tool)
	ctx := context.Background()

	res, err := g.Invoke(ctx, "send_message", json.RawMessage(`{"to":"x@y.com","message":"hi"}`), "", "")
	require.NoError(t, err)
	var pending PendingResult
	require.NoError(t, json.Unmarshal([]byte(res.Content), &pending))

	out, err := g.ApproveAction(ctx, pending.ActionID, "user:owner", false)
	require.NoError(t, err)
	assert.Equal(t, "sent", out.Content)
	assert.Equal(t, 1, tool.calls)
	assert.Equal(t, domain.ActionExecuted, store.actions[pending.ActionID].Status)

	// Second decider loses the CAS.
	_, err = g.ApproveAction(ctx, pending.ActionID, "user:other", false)
	assert.True(t, errors.Is(err, domain.ErrApprovalDecided), "second approve err = %v", err)
	err = g.RejectAction(ctx, pending.ActionID, "user:other", "no")
	assert.True(t, errors.Is(err, domain.ErrApprovalDecided), "reject after approve err = %v", err)
}

func TestApproveWithRuleCreation(t *testing.T) {
	store := newFakeApprovalStore()
	tool := &countingTool{name: "send_message"}
	g := newGate(store, &fakeContacts{}, tool)
	ctx := context.Background()

	res, _ := g.Invoke(ctx, "send_message", json.RawMessage(`{"to":"ana@example.com","message":"hi"}`), "", "")
	var pending PendingResult
	json.Unmarshal([]byte(res.Content), &pending)

	_, err := g.ApproveAction(ctx, pending.ActionID, "user:owner", true)
	require.NoError(t, err)
	require.Len(t, store.rules, 1)
	for _, r := range store.rules {
		assert.Equal(t, "ana@example.com", r.ArgConstraints["to"])
		assert.Equal(t, pending.ActionID, r.CreatedFrom)
	}

	// The new rule now auto-approves the same target.
	tool.calls = 0
	out, err := g.Invoke(ctx, "send_message", json.RawMessage(`{"to":"ana@example.com","message":"again"}`), "", "")
	require.NoError(t, err)
	assert.Equal(t, "sent", out.Content)
	assert.Equal(t, 1, tool.calls, "rule did not auto-approve")
}

func TestExpireSweep(t *testing.T) {
	store := newFakeApprovalStore()
	tool := &countingTool{name: "send_message"}
	g := newGate(store, &fakeContacts{}, tool)
	g.now = func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	res, _ := g.Invoke(ctx, "send_message", json.RawMessage(`{"to":"x@y.com","message":"hi"}`), "", "")
	var pending PendingResult
	json.Unmarshal([]byte(res.Content), &pending)

	// Advance past the 24h expiry.
	g.now = func() time.Time { return time.Date(2026, 4, 3, 12, 0, 0, 0, time.UTC) }
	n, err := g.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.ActionExpired, store.actions[pending.ActionID].Status)
	events, _ := store.EventsForAction(ctx, pending.ActionID)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventActionExpired, events[len(events)-1].EventType)
}

func TestExecutionFailureEvent(t *testing.T) {
	store := newFakeApprovalStore()
	contacts := &fakeContacts{byID: map[string]*domain.Contact{
		"c1": {EntityID: "c1", Roles: []string{domain.RoleOwner}},
	}}
	tool := &countingTool{name: "send_message", fail: true}
	g := newGate(store, contacts, tool)

	_, err := g.Invoke(context.Background(), "send_message",
		json.RawMessage(`{"contact_id":"c1","message":"hi"}`), "", "")
	require.Error(t, err)
	got := eventTypes(store.events)
	assert.Equal(t, domain.EventActionExecFailure, got[len(got)-1])
}
