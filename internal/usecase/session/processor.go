package session

import (
	"context"
	"encoding/json"

	"butlerd/internal/domain"
)

// RouteProcessor turns accepted route envelopes into spawned sessions. It is
// the default processor for every non-messenger butler.
type RouteProcessor struct {
	spawner *Spawner
}

// NewRouteProcessor creates a processor backed by the spawner.
func NewRouteProcessor(spawner *Spawner) *RouteProcessor {
	return &RouteProcessor{spawner: spawner}
}

// Process spawns one session for the envelope's prompt. The request id is
// copied into the session row for end-to-end correlation.
func (p *RouteProcessor) Process(ctx context.Context, env domain.RouteV1) (string, json.RawMessage, error) {
	sess, err := p.spawner.SpawnLinked(ctx, env.Input.Prompt, domain.TriggerRoute, env.RequestContext.RequestID, "")
	if err != nil {
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
		}
		return sessionID, nil, err
	}
	result, mErr := json.Marshal(struct {
		Output string `json:"output"`
	}{Output: sess.Result})
	if mErr != nil {
		return sess.ID, nil, domain.WrapOp("Session.Process", mErr)
	}
	return sess.ID, result, nil
}
