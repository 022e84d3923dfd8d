package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"butlerd/internal/domain"
)

// Review schedule name prefixes. One-shot review schedules are named after
// the map and node they belong to, which is what makes replace-on-reschedule
// and the pending count work.
const (
	reviewPrefix      = "review::"
	reviewBatchPrefix = "review_batch::"
)

// Job names dispatched by the education module's review schedules.
const (
	JobEducationReview      = "education.review"
	JobEducationBatchReview = "education.review_batch"
)

// Manager owns scheduled task CRUD. It also implements
// domain.ReviewScheduler on top of one-shot task rows.
type Manager struct {
	store  domain.TaskStore
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a task manager.
func NewManager(store domain.TaskStore, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Create validates the task, assigns a ULID id, computes the first run, and
// persists it.
func (m *Manager) Create(ctx context.Context, task domain.ScheduledTask) (*domain.ScheduledTask, error) {
	const op = "Scheduler.Create"
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if task.Name == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "task name is required")
	}
	if existing, err := m.store.GetByName(ctx, task.Name); err == nil && existing != nil {
		return nil, domain.NewDomainError(op, domain.ErrDuplicate, fmt.Sprintf("task %q already exists", task.Name))
	}

	task.ID = ulid.Make().String()
	now := m.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.NextRunAt == nil && task.CronExpr != "" {
		next, err := NextRun(task.CronExpr, task.Timezone, now)
		if err != nil {
			return nil, err
		}
		task.NextRunAt = &next
	}
	if err := m.store.Save(ctx, task); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	m.logger.Info("scheduled task created", "task", task.Name, "next_run", task.NextRunAt)
	return &task, nil
}

// Update validates and persists changes to an existing task, recomputing the
// next run when the cron expression changed.
func (m *Manager) Update(ctx context.Context, task domain.ScheduledTask) error {
	const op = "Scheduler.Update"
	if err := task.Validate(); err != nil {
		return err
	}
	existing, err := m.store.Get(ctx, task.ID)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if task.CronExpr != existing.CronExpr || task.Timezone != existing.Timezone {
		next, err := NextRun(task.CronExpr, task.Timezone, m.now())
		if err != nil {
			return err
		}
		task.NextRunAt = &next
	}
	task.UpdatedAt = m.now()
	return domain.WrapOp(op, m.store.Save(ctx, task))
}

// Delete removes a task by id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return domain.WrapOp("Scheduler.Delete", m.store.Delete(ctx, id))
}

// List returns every task for this butler.
func (m *Manager) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	tasks, err := m.store.List(ctx)
	return tasks, domain.WrapOp("Scheduler.List", err)
}

// ScheduleReview implements domain.ReviewScheduler: it replaces any existing
// schedule for the node with a one-shot schedule at next (UTC), expiring 24h
// later.
func (m *Manager) ScheduleReview(ctx context.Context, mapID, nodeID string, next time.Time) error {
	const op = "Scheduler.ScheduleReview"
	args, err := json.Marshal(map[string]string{"map_id": mapID, "node_id": nodeID})
	if err != nil {
		return domain.WrapOp(op, err)
	}
	return domain.WrapOp(op, m.saveOneShot(ctx, reviewTaskName(mapID, nodeID), JobEducationReview, args, next))
}

// ScheduleBatchReview implements domain.ReviewScheduler: one per-map batch
// schedule replacing per-node churn.
func (m *Manager) ScheduleBatchReview(ctx context.Context, mapID string, next time.Time) error {
	const op = "Scheduler.ScheduleBatchReview"
	args, err := json.Marshal(map[string]string{"map_id": mapID})
	if err != nil {
		return domain.WrapOp(op, err)
	}
	return domain.WrapOp(op, m.saveOneShot(ctx, reviewBatchPrefix+mapID, JobEducationBatchReview, args, next))
}

// CancelReview implements domain.ReviewScheduler.
func (m *Manager) CancelReview(ctx context.Context, mapID, nodeID string) error {
	const op = "Scheduler.CancelReview"
	task, err := m.store.GetByName(ctx, reviewTaskName(mapID, nodeID))
	if err != nil {
		if domain.ClassOf(err) == domain.ClassNotFound {
			return nil
		}
		return domain.WrapOp(op, err)
	}
	return domain.WrapOp(op, m.store.Delete(ctx, task.ID))
}

// PendingReviews implements domain.ReviewScheduler.
func (m *Manager) PendingReviews(ctx context.Context, mapID string) (int, error) {
	n, err := m.store.CountPendingReviews(ctx, reviewPrefix+mapID+"::")
	return n, domain.WrapOp("Scheduler.PendingReviews", err)
}

// saveOneShot upserts a single-firing job task as a "M H D Mo *" UTC cron
// with a 24h until window. The cron's next occurrence after the firing lands
// a year out, past until_at, so the loop retires the task after one run.
func (m *Manager) saveOneShot(ctx context.Context, name, jobName string, args json.RawMessage, next time.Time) error {
	next = next.UTC()
	until := next.Add(24 * time.Hour)
	now := m.now()

	id := ulid.Make().String()
	createdAt := now
	if existing, err := m.store.GetByName(ctx, name); err == nil && existing != nil {
		id = existing.ID
		createdAt = existing.CreatedAt
	}

	return m.store.Save(ctx, domain.ScheduledTask{
		ID:           id,
		Name:         name,
		CronExpr:     fmt.Sprintf("%d %d %d %d *", next.Minute(), next.Hour(), next.Day(), int(next.Month())),
		DispatchMode: domain.DispatchJob,
		JobName:      jobName,
		JobArgs:      args,
		Timezone:     "UTC",
		Enabled:      true,
		NextRunAt:    &next,
		UntilAt:      &until,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	})
}

func reviewTaskName(mapID, nodeID string) string {
	return reviewPrefix + mapID + "::" + nodeID
}
