package domain

import (
	"context"
	"encoding/json"
	"time"
)

// DispatchMode selects how a scheduled task fires.
type DispatchMode string

const (
	DispatchPrompt DispatchMode = "prompt" // spawn an agent session with Prompt
	DispatchJob    DispatchMode = "job"    // invoke an in-process registered handler
)

// ScheduledTask is one row of scheduled_tasks.
//
// Invariants (also enforced by table CHECK constraints):
//   - DispatchPrompt requires Prompt and forbids JobName.
//   - DispatchJob requires JobName.
//   - EndAt > StartAt, UntilAt >= StartAt when set.
type ScheduledTask struct {
	ID           string
	Name         string // unique per butler
	CronExpr     string
	DispatchMode DispatchMode
	Prompt       string
	JobName      string
	JobArgs      json.RawMessage
	Timezone     string
	StartAt      *time.Time
	EndAt        *time.Time
	UntilAt      *time.Time
	Enabled      bool
	NextRunAt    *time.Time
	LastRunAt    *time.Time
	LastResult   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the dispatch-mode and window invariants.
func (t *ScheduledTask) Validate() error {
	const op = "ScheduledTask.Validate"
	switch t.DispatchMode {
	case DispatchPrompt:
		if t.Prompt == "" {
			return NewDomainError(op, ErrInvalidInput, "dispatch_mode=prompt requires prompt")
		}
		if t.JobName != "" {
			return NewDomainError(op, ErrInvalidInput, "dispatch_mode=prompt forbids job_name")
		}
	case DispatchJob:
		if t.JobName == "" {
			return NewDomainError(op, ErrInvalidInput, "dispatch_mode=job requires job_name")
		}
	default:
		return NewDomainError(op, ErrInvalidInput, "unknown dispatch_mode "+string(t.DispatchMode))
	}
	if t.StartAt != nil && t.EndAt != nil && !t.EndAt.After(*t.StartAt) {
		return NewDomainError(op, ErrInvalidInput, "end_at must be after start_at")
	}
	if t.StartAt != nil && t.UntilAt != nil && t.UntilAt.Before(*t.StartAt) {
		return NewDomainError(op, ErrInvalidInput, "until_at must not precede start_at")
	}
	return nil
}

// InWindow reports whether now falls inside the task's optional run window.
func (t *ScheduledTask) InWindow(now time.Time) bool {
	if t.StartAt != nil && now.Before(*t.StartAt) {
		return false
	}
	if t.EndAt != nil && now.After(*t.EndAt) {
		return false
	}
	if t.UntilAt != nil && now.After(*t.UntilAt) {
		return false
	}
	return true
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	Save(ctx context.Context, task ScheduledTask) error
	Get(ctx context.Context, id string) (*ScheduledTask, error)
	GetByName(ctx context.Context, name string) (*ScheduledTask, error)
	List(ctx context.Context) ([]ScheduledTask, error)
	Delete(ctx context.Context, id string) error
	// Due returns enabled tasks with next_run_at <= now, ordered by
	// next_run_at ascending.
	Due(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	// RecordRun updates last_run_at, last_result, and next_run_at after a
	// dispatch attempt.
	RecordRun(ctx context.Context, id string, ranAt time.Time, result string, nextRun *time.Time) error
	// CountPendingReviews reports how many one-shot review schedules exist for
	// the given name prefix (education batch-schedule threshold).
	CountPendingReviews(ctx context.Context, namePrefix string) (int, error)
}
