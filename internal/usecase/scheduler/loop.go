package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/infra/tracer"
)

// Spawner starts one agent session for a prompt-dispatch task.
type Spawner interface {
	Spawn(ctx context.Context, prompt, triggerSource string) (*domain.Session, error)
}

// JobHandler is an in-process handler a module registers for job-dispatch
// tasks.
type JobHandler func(ctx context.Context, args json.RawMessage) error

// Loop is the per-butler scheduler tick loop.
type Loop struct {
	butler   string
	store    domain.TaskStore
	spawner  Spawner
	jobs     map[string]JobHandler
	interval time.Duration
	ready    func() bool // DB/spawner readiness; nil means always ready
	logger   *slog.Logger
	now      func() time.Time
}

// NewLoop creates the tick loop. interval must be positive; config
// validation rejects zero and negative values before this point.
func NewLoop(butler string, store domain.TaskStore, spawner Spawner, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		butler:   butler,
		store:    store,
		spawner:  spawner,
		jobs:     map[string]JobHandler{},
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterJob binds a job name to its in-process handler.
func (l *Loop) RegisterJob(name string, h JobHandler) { l.jobs[name] = h }

// SetReady installs a readiness probe gating prompt dispatch. Job dispatch
// never waits on it: in-process handlers have no spawner dependency.
func (l *Loop) SetReady(ready func() bool) { l.ready = ready }

func (l *Loop) promptReady() bool { return l.ready == nil || l.ready() }

// Stagger returns this butler's initial tick delay. Keying by butler name
// spreads simultaneous cluster ticks across the interval.
func (l *Loop) Stagger() time.Duration {
	h := fnv.New32a()
	h.Write([]byte(l.butler))
	return time.Duration(h.Sum32()) % l.interval
}

// Run ticks until ctx is cancelled. Tick errors are logged, never fatal; an
// in-progress tick completes before Run returns.
func (l *Loop) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(l.Stagger()):
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if err := l.Tick(ctx); err != nil {
			l.logger.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick dispatches every due task once and records the outcome. Prompt tasks
// are skipped while the spawner is not ready; they stay due and fire on a
// later tick.
func (l *Loop) Tick(ctx context.Context) error {
	const op = "Scheduler.Tick"
	ctx, span := tracer.StartSpan(ctx, "scheduler.tick")
	defer span.End()
	span.SetAttributes(tracer.StringAttr(tracer.ButlerNameKey, l.butler))

	now := l.now()
	due, err := l.store.Due(ctx, now)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp(op, err)
	}

	for _, task := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if task.DispatchMode == domain.DispatchPrompt && !l.promptReady() {
			continue // left due, retried once the spawner attaches
		}
		l.runTask(ctx, task, now)
	}
	span.SetAttributes(tracer.IntAttr("scheduler.dispatched", len(due)))
	tracer.SetOK(span)
	return nil
}

func (l *Loop) runTask(ctx context.Context, task domain.ScheduledTask, now time.Time) {
	result := "ok"
	if !task.InWindow(now) {
		result = "skipped_window"
	} else if err := l.dispatch(ctx, task); err != nil {
		result = "error: " + err.Error()
		l.logger.Error("task dispatch failed", "task", task.Name, "error", err)
	}

	var nextRun *time.Time
	if task.CronExpr != "" {
		next, err := NextRun(task.CronExpr, task.Timezone, now)
		if err != nil {
			l.logger.Error("next run computation failed", "task", task.Name, "error", err)
		} else if task.UntilAt == nil || !next.After(*task.UntilAt) {
			// A firing past until_at retires the task instead.
			nextRun = &next
		}
	}
	if err := l.store.RecordRun(ctx, task.ID, now, result, nextRun); err != nil {
		l.logger.Error("record run failed", "task", task.Name, "error", err)
	}
}

func (l *Loop) dispatch(ctx context.Context, task domain.ScheduledTask) error {
	switch task.DispatchMode {
	case domain.DispatchPrompt:
		if l.spawner == nil {
			return domain.ErrSpawnerNotReady
		}
		_, err := l.spawner.Spawn(ctx, task.Prompt, domain.ScheduleTrigger(task.Name))
		return err
	case domain.DispatchJob:
		h, ok := l.jobs[task.JobName]
		if !ok {
			return fmt.Errorf("no handler registered for job %q", task.JobName)
		}
		return h(ctx, task.JobArgs)
	}
	return fmt.Errorf("unknown dispatch mode %q", task.DispatchMode)
}
