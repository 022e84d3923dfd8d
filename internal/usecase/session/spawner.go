package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
)

// encodingName is the tokenizer used when the runtime reports no usage.
const encodingName = "cl100k_base"

// Spawner runs agent sessions and appends one row per turn to the
// append-only sessions log.
type Spawner struct {
	runner domain.AgentRunner
	store  domain.SessionStore
	logger *slog.Logger
	now    func() time.Time

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewSpawner creates a session spawner.
func NewSpawner(runner domain.AgentRunner, store domain.SessionStore, logger *slog.Logger) *Spawner {
	return &Spawner{runner: runner, store: store, logger: logger, now: time.Now}
}

// Ready reports whether the spawner can run sessions. The scheduler loop
// checks this before ticking.
func (s *Spawner) Ready() bool { return s.runner != nil }

// Spawn runs one session with no request linkage. Satisfies the scheduler's
// spawner contract.
func (s *Spawner) Spawn(ctx context.Context, prompt, triggerSource string) (*domain.Session, error) {
	return s.SpawnLinked(ctx, prompt, triggerSource, "", "")
}

// SpawnLinked runs one session carrying the originating request id and an
// optional parent session.
func (s *Spawner) SpawnLinked(ctx context.Context, prompt, triggerSource, requestID, parentID string) (*domain.Session, error) {
	const op = "Session.Spawn"
	if s.runner == nil {
		return nil, domain.NewDomainError(op, domain.ErrSpawnerNotReady, "no agent runner configured")
	}
	ctx, span := tracer.StartSpan(ctx, "session.spawn")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("session.trigger", triggerSource))

	started := s.now()
	var toolCalls []domain.RunToolCall
	result, runErr := s.runner.Run(ctx, prompt, nil, func(tc domain.RunToolCall) {
		toolCalls = append(toolCalls, tc)
	})
	completed := s.now()

	row := domain.Session{
		ID:              domain.NewRowID(),
		Prompt:          prompt,
		TriggerSource:   triggerSource,
		RequestID:       requestID,
		ParentSessionID: parentID,
		TraceID:         tracer.TraceID(ctx),
		DurationMS:      completed.Sub(started).Milliseconds(),
		StartedAt:       started,
		CompletedAt:     completed,
	}
	if len(toolCalls) > 0 {
		if raw, err := json.Marshal(toolCalls); err == nil {
			row.ToolCalls = raw
		}
	}

	if runErr != nil {
		row.Success = false
		row.Error = runErr.Error()
		tracer.RecordError(span, runErr)
	} else {
		row.Success = true
		row.Result = result.Output
		row.Model = result.Model
		row.InputTokens = result.InputTokens
		row.OutputTokens = result.OutputTokens
		row.Cost = result.Cost
		if row.InputTokens == 0 {
			row.InputTokens = s.countTokens(prompt)
			row.OutputTokens = s.countTokens(result.Output)
		}
		tracer.SetOK(span)
	}

	if err := s.store.Append(ctx, row); err != nil {
		// The turn already ran; a lost audit row must not fail the caller.
		s.logger.Error("session append failed", "session_id", row.ID, "error", err)
	}

	if runErr != nil {
		return &row, domain.WrapOp(op, runErr)
	}
	s.logger.Info("session completed",
		"session_id", row.ID,
		"trigger", triggerSource,
		"duration_ms", row.DurationMS,
		"tool_calls", len(toolCalls))
	return &row, nil
}

// countTokens estimates token usage when the runtime reports none. If the
// tokenizer data cannot be loaded (it is fetched lazily), a rough word count
// stands in so usage is never silently zero.
func (s *Spawner) countTokens(text string) int {
	if text == "" {
		return 0
	}
	s.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			s.logger.Warn("tokenizer unavailable", "encoding", encodingName, "error", err)
			return
		}
		s.enc = enc
	})
	if s.enc == nil {
		return len(strings.Fields(text))
	}
	return len(s.enc.Encode(text, nil, nil))
}
