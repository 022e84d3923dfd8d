package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Pending action statuses.
const (
	ActionPending  = "pending"
	ActionApproved = "approved"
	ActionRejected = "rejected"
	ActionExecuted = "executed"
	ActionExpired  = "expired"
)

// Approval event types, in the order they typically occur.
const (
	EventActionQueued       = "action_queued"
	EventActionAutoApproved = "action_auto_approved"
	EventActionApproved     = "action_approved"
	EventActionRejected     = "action_rejected"
	EventActionExpired      = "action_expired"
	EventActionExecSuccess  = "action_execution_succeeded"
	EventActionExecFailure  = "action_execution_failed"
	EventRuleCreated        = "rule_created"
	EventRuleRevoked        = "rule_revoked"
)

// RoleOwner is the contact role that short-circuits the approval gate.
const RoleOwner = "owner"

// ActorOwnerRole is the decided_by/actor value for owner fast-path approvals.
const ActorOwnerRole = "role:owner"

// PendingAction is one intercepted gated-tool invocation.
type PendingAction struct {
	ID             string
	ToolName       string
	ToolArgs       json.RawMessage
	AgentSummary   string
	SessionID      string
	Status         string
	RequestedAt    time.Time
	ExpiresAt      time.Time
	DecidedBy      string
	DecidedAt      *time.Time
	ApprovalRuleID string
}

// ApprovalRule is a standing auto-approval rule for a gated tool.
type ApprovalRule struct {
	ID             string
	ToolName       string
	ArgConstraints map[string]string // arg name -> required value
	Description    string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	MaxUses        *int
	UseCount       int
	Active         bool
	CreatedFrom    string // pending action id the rule was generated from
}

// Bounded reports whether the rule has a finite scope (expiry or use cap).
// Bounded rules win precedence over unbounded ones.
func (r *ApprovalRule) Bounded() bool {
	return r.ExpiresAt != nil || r.MaxUses != nil
}

// ApprovalEvent is one row of the append-only approval_events log.
type ApprovalEvent struct {
	ID         string
	ActionID   string
	RuleID     string
	EventType  string
	Actor      string
	OccurredAt time.Time
	Reason     string
	Metadata   json.RawMessage
}

// GatedTool names a tool intercepted by the approval gate, with its risk
// tier, pending expiry, and precedence tuple.
type GatedTool struct {
	Name           string
	RiskTier       string
	ExpiryHours    int
	RulePrecedence []string
}

// Contact is the resolved identity behind a gated tool's target channel.
type Contact struct {
	EntityID string
	Name     string
	Roles    []string
}

// HasRole reports whether the contact carries the named role.
func (c *Contact) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContactResolver resolves a channel identity to a contact. Unresolvable
// targets are treated as non-owner.
type ContactResolver interface {
	// ByID resolves a contact by entity UUID.
	ByID(ctx context.Context, entityID string) (*Contact, error)
	// ByChannel resolves via a (channel_type, channel_value) lookup.
	ByChannel(ctx context.Context, channelType, channelValue string) (*Contact, error)
}

// ApprovalStore persists pending actions, standing rules, and the
// append-only event log. The storage layer rejects UPDATE/DELETE on events.
type ApprovalStore interface {
	InsertAction(ctx context.Context, a PendingAction) error
	GetAction(ctx context.Context, id string) (*PendingAction, error)
	// DecideAction transitions pending -> to under a CAS guard on
	// status='pending'. Returns ErrStateConflict when the action was already
	// decided.
	DecideAction(ctx context.Context, id, to, decidedBy, ruleID string, at time.Time) error
	// MarkExecuted transitions approved -> executed.
	MarkExecuted(ctx context.Context, id string) error
	// ExpirePending transitions pending rows past cutoff to expired and
	// returns them.
	ExpirePending(ctx context.Context, cutoff time.Time) ([]PendingAction, error)

	InsertRule(ctx context.Context, r ApprovalRule) error
	// ActiveRules returns active, unexpired rules for the tool.
	ActiveRules(ctx context.Context, toolName string, now time.Time) ([]ApprovalRule, error)
	// ConsumeRuleUse increments use_count and deactivates the rule when the
	// cap is reached.
	ConsumeRuleUse(ctx context.Context, ruleID string) error
	RevokeRule(ctx context.Context, ruleID string) error

	AppendEvent(ctx context.Context, e ApprovalEvent) error
	EventsForAction(ctx context.Context, actionID string) ([]ApprovalEvent, error)
}
