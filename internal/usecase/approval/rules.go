package approval

import (
	"encoding/json"
	"sort"

	"butlerd/internal/domain"
)

// selectRule picks the winning standing rule for the given tool arguments.
// Precedence, deterministic: more specific arg_constraints first; bounded
// scope before unbounded; newer created_at before older; lexical id.
func selectRule(rules []domain.ApprovalRule, args json.RawMessage) *domain.ApprovalRule {
	var flat map[string]any
	if err := json.Unmarshal(args, &flat); err != nil {
		flat = map[string]any{}
	}

	var matched []domain.ApprovalRule
	for _, r := range rules {
		if ruleMatches(r, flat) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if len(a.ArgConstraints) != len(b.ArgConstraints) {
			return len(a.ArgConstraints) > len(b.ArgConstraints)
		}
		if a.Bounded() != b.Bounded() {
			return a.Bounded()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return &matched[0]
}

// ruleMatches requires every constraint to equal the corresponding argument,
// compared as strings.
func ruleMatches(r domain.ApprovalRule, args map[string]any) bool {
	for name, want := range r.ArgConstraints {
		got, ok := args[name]
		if !ok {
			return false
		}
		s, ok := got.(string)
		if !ok || s != want {
			return false
		}
	}
	return true
}

// suggestConstraints derives a standing rule's constraints from the action's
// arguments: the channel-identity fields, which are what make one approval
// generalize safely.
func suggestConstraints(args json.RawMessage) map[string]string {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return nil
	}
	out := map[string]string{}
	for _, name := range []string{"contact_id", "channel", "recipient", "chat_id", "to"} {
		if v, ok := fields[name].(string); ok && v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
