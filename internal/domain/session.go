package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Trigger sources for spawned sessions. schedule:<name> is produced by
// ScheduleTrigger.
const (
	TriggerTick     = "tick"
	TriggerManual   = "trigger"
	TriggerExternal = "external"
	TriggerRoute    = "route"
)

// ScheduleTrigger renders the trigger source for a named scheduled task.
func ScheduleTrigger(taskName string) string {
	return "schedule:" + taskName
}

// Session is one row of the append-only sessions log: a single LLM turn.
type Session struct {
	ID              string
	Prompt          string
	TriggerSource   string
	Model           string
	Success         bool
	Error           string
	Result          string
	ToolCalls       json.RawMessage // array of recorded tool invocations
	DurationMS      int64
	TraceID         string
	RequestID       string
	InputTokens     int
	OutputTokens    int
	Cost            float64
	ParentSessionID string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// SessionStore appends and reads the sessions audit log. Delete and truncate
// are forbidden; the storage layer enforces INSERT-only.
type SessionStore interface {
	Append(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Recent(ctx context.Context, limit int) ([]Session, error)
}

// AgentRunner executes one LLM turn. The CLI runtime adapters (out of scope
// here) implement it; tests supply stubs.
type AgentRunner interface {
	// Run executes the prompt and streams tool calls through onToolCall.
	Run(ctx context.Context, prompt string, extra json.RawMessage, onToolCall func(RunToolCall)) (*RunResult, error)
}

// RunToolCall is one tool invocation observed during a run.
type RunToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// RunResult is the outcome of one agent turn.
type RunResult struct {
	Model        string
	Output       string
	InputTokens  int // 0 when the runtime does not report usage
	OutputTokens int
	Cost         float64
}
