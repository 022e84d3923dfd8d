package approval

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

// PendingResult is the structured payload returned when a gated tool call is
// queued for human approval.
type PendingResult struct {
	Status         string   `json:"status"` // "pending_approval"
	ActionID       string   `json:"action_id"`
	RiskTier       string   `json:"risk_tier"`
	RulePrecedence []string `json:"rule_precedence"`
}

// Gate intercepts gated-tool invocations. The owner and standing-rule paths
// auto-approve and execute inline; everything else queues a pending action
// and hands the caller a prompt payload.
type Gate struct {
	store    domain.ApprovalStore
	contacts domain.ContactResolver
	gated    map[string]domain.GatedTool
	tools    map[string]domain.Tool
	logger   *slog.Logger
	now      func() time.Time
}

// NewGate creates the approval gate for the configured gated tools.
func NewGate(store domain.ApprovalStore, contacts domain.ContactResolver, gatedTools []domain.GatedTool, logger *slog.Logger) *Gate {
	gated := make(map[string]domain.GatedTool, len(gatedTools))
	for _, g := range gatedTools {
		gated[g.Name] = g
	}
	return &Gate{
		store:    store,
		contacts: contacts,
		gated:    gated,
		tools:    map[string]domain.Tool{},
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterTool makes the original tool available for execution on approval.
func (g *Gate) RegisterTool(t domain.Tool) { g.tools[t.Name()] = t }

// Gated reports whether toolName is intercepted.
func (g *Gate) Gated(toolName string) bool {
	_, ok := g.gated[toolName]
	return ok
}

// Wrap returns a Tool that routes Execute through the gate. Ungated tools
// are returned unchanged.
func (g *Gate) Wrap(t domain.Tool) domain.Tool {
	if !g.Gated(t.Name()) {
		return t
	}
	g.RegisterTool(t)
	schema := t.Schema()
	return &domain.ToolFunc{
		ToolName: t.Name(),
		Desc:     t.Description(),
		Params:   schema.Parameters,
		Handler: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
			return g.Invoke(ctx, t.Name(), params, "", "")
		},
	}
}

// Invoke runs the gate for one gated tool call.
func (g *Gate) Invoke(ctx context.Context, toolName string, args json.RawMessage, sessionID, summary string) (*domain.ToolResult, error) {
	const op = "Approval.Invoke"
	ctx, span := tracer.StartSpan(ctx, "approval.gate")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("approval.tool", toolName))

	cfg, ok := g.gated[toolName]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("tool %q is not gated", toolName))
	}

	now := g.now()
	action := domain.PendingAction{
		ID:           domain.NewRowID(),
		ToolName:     toolName,
		ToolArgs:     args,
		AgentSummary: summary,
		SessionID:    sessionID,
		RequestedAt:  now,
		ExpiresAt:    now.Add(time.Duration(cfg.ExpiryHours) * time.Hour),
	}

	if contact := g.resolveContact(ctx, args); contact != nil && contact.HasRole(domain.RoleOwner) {
		return g.autoApprove(ctx, action, domain.ActorOwnerRole, "")
	}

	rules, err := g.store.ActiveRules(ctx, toolName, now)
	if err != nil {
		// Rule lookup failure degrades to the pending path, never to an
		// unapproved execution.
		g.logger.Warn("approval rule lookup failed", "tool", toolName, "error", err)
	} else if rule := selectRule(rules, args); rule != nil {
		res, err := g.autoApprove(ctx, action, "rule:"+rule.ID, rule.ID)
		if err == nil {
			if cErr := g.store.ConsumeRuleUse(ctx, rule.ID); cErr != nil {
				g.logger.Warn("rule use consume failed", "rule_id", rule.ID, "error", cErr)
			}
		}
		return res, err
	}

	action.Status = domain.ActionPending
	if err := g.store.InsertAction(ctx, action); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	g.appendEvent(ctx, action.ID, "", domain.EventActionQueued, "", "")
	g.logger.Info("action queued for approval",
		"action_id", action.ID,
		"tool", toolName,
		"risk_tier", cfg.RiskTier)

	payload, err := json.Marshal(PendingResult{
		Status:         "pending_approval",
		ActionID:       action.ID,
		RiskTier:       cfg.RiskTier,
		RulePrecedence: cfg.RulePrecedence,
	})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return &domain.ToolResult{Content: string(payload)}, nil
}

// autoApprove inserts the action as approved, executes the tool, and emits
// the queued/auto-approved/execution events.
func (g *Gate) autoApprove(ctx context.Context, action domain.PendingAction, actor, ruleID string) (*domain.ToolResult, error) {
	const op = "Approval.AutoApprove"
	now := g.now()
	action.Status = domain.ActionApproved
	action.DecidedBy = actor
	action.DecidedAt = &now
	action.ApprovalRuleID = ruleID
	if err := g.store.InsertAction(ctx, action); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	g.appendEvent(ctx, action.ID, ruleID, domain.EventActionQueued, "", "")
	g.appendEvent(ctx, action.ID, ruleID, domain.EventActionAutoApproved, actor, "")

	return g.execute(ctx, action)
}

// ApproveAction is the human approve decision. When createRule is true, a
// standing rule is generated from the action's arguments.
func (g *Gate) ApproveAction(ctx context.Context, actionID, decidedBy string, createRule bool) (*domain.ToolResult, error) {
	const op = "Approval.Approve"
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	now := g.now()
	if err := g.store.DecideAction(ctx, actionID, domain.ActionApproved, decidedBy, "", now); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return nil, domain.NewDomainError(op, domain.ErrApprovalDecided,
				fmt.Sprintf("action %s already decided", actionID))
		}
		return nil, domain.WrapOp(op, err)
	}
	g.appendEvent(ctx, actionID, "", domain.EventActionApproved, decidedBy, "")

	if createRule {
		if constraints := suggestConstraints(action.ToolArgs); constraints != nil {
			rule := domain.ApprovalRule{
				ID:             domain.NewRowID(),
				ToolName:       action.ToolName,
				ArgConstraints: constraints,
				Description:    fmt.Sprintf("auto-generated from action %s", actionID),
				CreatedAt:      now,
				Active:         true,
				CreatedFrom:    actionID,
			}
			if err := g.store.InsertRule(ctx, rule); err != nil {
				g.logger.Error("standing rule insert failed", "action_id", actionID, "error", err)
			} else {
				g.appendEvent(ctx, actionID, rule.ID, domain.EventRuleCreated, decidedBy, "")
			}
		}
	}

	action.Status = domain.ActionApproved
	return g.execute(ctx, *action)
}

// RejectAction is the human reject decision.
func (g *Gate) RejectAction(ctx context.Context, actionID, decidedBy, reason string) error {
	const op = "Approval.Reject"
	if err := g.store.DecideAction(ctx, actionID, domain.ActionRejected, decidedBy, "", g.now()); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return domain.NewDomainError(op, domain.ErrApprovalDecided,
				fmt.Sprintf("action %s already decided", actionID))
		}
		return domain.WrapOp(op, err)
	}
	g.appendEvent(ctx, actionID, "", domain.EventActionRejected, decidedBy, reason)
	return nil
}

// ExpireSweep transitions pending actions past their expiry and emits one
// event per expired action. Returns how many expired.
func (g *Gate) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := g.store.ExpirePending(ctx, g.now())
	if err != nil {
		return 0, domain.WrapOp("Approval.ExpireSweep", err)
	}
	for _, a := range expired {
		g.appendEvent(ctx, a.ID, "", domain.EventActionExpired, "", "")
	}
	if len(expired) > 0 {
		g.logger.Info("expired pending actions", "count", len(expired))
	}
	return len(expired), nil
}

// execute invokes the original tool and records the outcome events.
func (g *Gate) execute(ctx context.Context, action domain.PendingAction) (*domain.ToolResult, error) {
	const op = "Approval.Execute"
	tool, ok := g.tools[action.ToolName]
	if !ok {
		err := domain.NewDomainError(op, domain.ErrInternal, fmt.Sprintf("tool %q not registered with gate", action.ToolName))
		g.appendEvent(ctx, action.ID, action.ApprovalRuleID, domain.EventActionExecFailure, "", err.Error())
		return nil, err
	}

	result, err := tool.Execute(ctx, action.ToolArgs)
	if err != nil || (result != nil && result.IsError) {
		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			reason = result.Content
		}
		g.appendEvent(ctx, action.ID, action.ApprovalRuleID, domain.EventActionExecFailure, "", reason)
		return result, err
	}

	if mErr := g.store.MarkExecuted(ctx, action.ID); mErr != nil {
		g.logger.Error("mark executed failed", "action_id", action.ID, "error", mErr)
	}
	g.appendEvent(ctx, action.ID, action.ApprovalRuleID, domain.EventActionExecSuccess, "", "")
	return result, nil
}

// resolveContact applies the channel-extraction table. Unresolvable targets
// return nil and are treated as non-owner.
func (g *Gate) resolveContact(ctx context.Context, args json.RawMessage) *domain.Contact {
	ident, ok := extractChannel(args)
	if !ok {
		return nil
	}
	var contact *domain.Contact
	var err error
	if ident.ContactID != "" {
		contact, err = g.contacts.ByID(ctx, ident.ContactID)
	} else {
		contact, err = g.contacts.ByChannel(ctx, ident.ChannelType, ident.ChannelValue)
	}
	if err != nil {
		if domain.ClassOf(err) != domain.ClassNotFound {
			g.logger.Warn("contact resolution failed", "error", err)
		}
		return nil
	}
	return contact
}

func (g *Gate) appendEvent(ctx context.Context, actionID, ruleID, eventType, actor, reason string) {
	e := domain.ApprovalEvent{
		ID:         domain.NewRowID(),
		ActionID:   actionID,
		RuleID:     ruleID,
		EventType:  eventType,
		Actor:      actor,
		OccurredAt: g.now(),
		Reason:     reason,
	}
	if err := g.store.AppendEvent(ctx, e); err != nil {
		g.logger.Error("approval event append failed",
			"action_id", actionID,
			"event_type", eventType,
			"error", err)
	}
}
