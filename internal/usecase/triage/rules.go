package triage

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"butlerd/internal/domain"
)

// Triage decisions.
const (
	DecisionRouteTo     = "route_to"
	DecisionPassThrough = "pass_through"
)

// Matched rule types.
const (
	RuleThreadAffinity = "thread_affinity"
	RuleSenderDomain   = "sender_domain"
	RuleChannel        = "channel"
	RuleKeyword        = "keyword"
)

// Rule is one priority-ordered triage rule. Exactly one condition field is
// set; lower priority values are evaluated first.
type Rule struct {
	Priority     int
	SenderDomain string
	Channel      string
	Keyword      string
	TargetButler string
}

func (r Rule) ruleType() string {
	switch {
	case r.SenderDomain != "":
		return RuleSenderDomain
	case r.Channel != "":
		return RuleChannel
	case r.Keyword != "":
		return RuleKeyword
	}
	return ""
}

func (r Rule) matches(msg domain.InboxMessage) bool {
	switch {
	case r.SenderDomain != "":
		_, dom, ok := strings.Cut(msg.RequestContext.SourceSenderIdentity, "@")
		return ok && strings.EqualFold(dom, r.SenderDomain)
	case r.Channel != "":
		return msg.RequestContext.SourceChannel == r.Channel
	case r.Keyword != "":
		return strings.Contains(strings.ToLower(msg.NormalizedText), strings.ToLower(r.Keyword))
	}
	return false
}

// Decision is the triage verdict for one inbound message.
type Decision struct {
	Decision        string
	TargetButler    string
	MatchedRuleType string
	AffinityOutcome domain.AffinityOutcome
}

// Engine evaluates thread affinity, then the rule sequence. A pass_through
// decision hands the message to the classifier.
type Engine struct {
	affinity *AffinityLookup
	rules    []Rule
	logger   *slog.Logger
}

// NewEngine creates a triage engine. Rules are sorted by priority once.
func NewEngine(affinity *AffinityLookup, rules []Rule, logger *slog.Logger) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Engine{affinity: affinity, rules: sorted, logger: logger}
}

// Decide runs the triage sequence for msg. An affinity HIT or FORCE_OVERRIDE
// short-circuits rule evaluation.
func (e *Engine) Decide(ctx context.Context, msg domain.InboxMessage) Decision {
	aff := e.affinity.Lookup(ctx, msg.RequestContext.SourceChannel, msg.RequestContext.SourceThreadIdentity, nil)
	if aff.Outcome.ProducesRoute() {
		e.logger.Info("triage routed by thread affinity",
			"request_id", msg.ID,
			"outcome", string(aff.Outcome),
			"butler", aff.Butler)
		return Decision{
			Decision:        DecisionRouteTo,
			TargetButler:    aff.Butler,
			MatchedRuleType: RuleThreadAffinity,
			AffinityOutcome: aff.Outcome,
		}
	}

	for _, r := range e.rules {
		if !r.matches(msg) {
			continue
		}
		e.logger.Info("triage rule matched",
			"request_id", msg.ID,
			"rule_type", r.ruleType(),
			"butler", r.TargetButler)
		return Decision{
			Decision:        DecisionRouteTo,
			TargetButler:    r.TargetButler,
			MatchedRuleType: r.ruleType(),
			AffinityOutcome: aff.Outcome,
		}
	}
	return Decision{Decision: DecisionPassThrough, AffinityOutcome: aff.Outcome}
}
