package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"butlerd/internal/domain"
	"butlerd/internal/infra/logger"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.ScheduledTask
	fail  bool
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[string]*domain.ScheduledTask{}}
}

func (f *fakeTaskStore) Save(_ context.Context, t domain.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("db down")
	}
	cp := t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeTaskStore) Get(_ context.Context, id string) (*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) GetByName(_ context.Context, name string) (*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeTaskStore) List(_ context.Context) ([]domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ScheduledTask
	for _, t := range f.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTaskStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeTaskStore) Due(_ context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("db down")
	}
	var out []domain.ScheduledTask
	for _, t := range f.tasks {
		if t.Enabled && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) RecordRun(_ context.Context, id string, ranAt time.Time, result string, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.LastRunAt = &ranAt
	t.LastResult = result
	t.NextRunAt = nextRun
	return nil
}

func (f *fakeTaskStore) CountPendingReviews(_ context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if strings.HasPrefix(t.Name, prefix) && t.Enabled && t.NextRunAt != nil {
			n++
		}
	}
	return n, nil
}

type stubSpawner struct {
	prompts  []string
	triggers []string
	err      error
}

func (s *stubSpawner) Spawn(_ context.Context, prompt, trigger string) (*domain.Session, error) {
	s.prompts = append(s.prompts, prompt)
	s.triggers = append(s.triggers, trigger)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Session{ID: "sess"}, nil
}

func TestNextRunTimezone(t *testing.T) {
	// 09:00 daily in New York, evaluated from 15:00 UTC (10:00 EST): the
	// same-day slot already passed, so the next firing is tomorrow.
	after := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	next, err := NextRun("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	want := time.Date(2026, 3, 3, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunRejectsBadExpr(t *testing.T) {
	if _, err := NextRun("not a cron", "", time.Now()); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NextRun("* * * * *", "Mars/Olympus", time.Now()); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestManagerCreate(t *testing.T) {
	store := newFakeTaskStore()
	m := NewManager(store, logger.Discard())
	ctx := context.Background()

	task, err := m.Create(ctx, domain.ScheduledTask{
		Name:         "morning-brief",
		CronExpr:     "0 7 * * *",
		DispatchMode: domain.DispatchPrompt,
		Prompt:       "summarize the day",
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.ID == "" || task.NextRunAt == nil {
		t.Errorf("task = %+v", task)
	}

	if _, err := m.Create(ctx, domain.ScheduledTask{
		Name:         "morning-brief",
		CronExpr:     "0 8 * * *",
		DispatchMode: domain.DispatchPrompt,
		Prompt:       "p",
	}); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("duplicate create err = %v", err)
	}

	if _, err := m.Create(ctx, domain.ScheduledTask{
		Name:         "bad",
		CronExpr:     "* * * * *",
		DispatchMode: domain.DispatchPrompt, // prompt mode without a prompt
	}); domain.ClassOf(err) != domain.ClassValidation {
		t.Errorf("invalid task err = %v", err)
	}
}

func TestReviewSchedulerRoundTrip(t *testing.T) {
	store := newFakeTaskStore()
	m := NewManager(store, logger.Discard())
	ctx := context.Background()
	next := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := m.ScheduleReview(ctx, "map1", "node1", next); err != nil {
		t.Fatalf("ScheduleReview: %v", err)
	}
	if err := m.ScheduleReview(ctx, "map1", "node2", next.Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleReview: %v", err)
	}

	n, err := m.PendingReviews(ctx, "map1")
	if err != nil || n != 2 {
		t.Fatalf("pending = %d, err %v", n, err)
	}

	// Rescheduling the same node replaces, not duplicates.
	if err := m.ScheduleReview(ctx, "map1", "node1", next.Add(48*time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if n, _ = m.PendingReviews(ctx, "map1"); n != 2 {
		t.Errorf("pending after reschedule = %d", n)
	}

	task, err := store.GetByName(ctx, "review::map1::node1")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if task.DispatchMode != domain.DispatchJob || task.JobName != JobEducationReview {
		t.Errorf("task = %+v", task)
	}
	if task.CronExpr != "0 9 12 3 *" || task.Timezone != "UTC" {
		t.Errorf("cron = %q tz = %q, want one-shot UTC cron", task.CronExpr, task.Timezone)
	}
	if task.UntilAt == nil || !task.UntilAt.Equal(task.NextRunAt.Add(24*time.Hour)) {
		t.Errorf("until = %v, next = %v", task.UntilAt, task.NextRunAt)
	}

	if err := m.CancelReview(ctx, "map1", "node2"); err != nil {
		t.Fatalf("CancelReview: %v", err)
	}
	if n, _ = m.PendingReviews(ctx, "map1"); n != 1 {
		t.Errorf("pending after cancel = %d", n)
	}
	// Cancelling a schedule that never existed is a no-op.
	if err := m.CancelReview(ctx, "map1", "ghost"); err != nil {
		t.Errorf("cancel missing: %v", err)
	}
}

func TestTickDispatchesPromptAndJob(t *testing.T) {
	store := newFakeTaskStore()
	spawner := &stubSpawner{}
	loop := NewLoop("health", store, spawner, time.Minute, logger.Discard())
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	loop.now = func() time.Time { return now }

	var jobArgs json.RawMessage
	loop.RegisterJob("education.review", func(_ context.Context, args json.RawMessage) error {
		jobArgs = args
		return nil
	})

	due := now.Add(-time.Minute)
	store.tasks["t1"] = &domain.ScheduledTask{
		ID: "t1", Name: "brief", CronExpr: "0 8 * * *", DispatchMode: domain.DispatchPrompt,
		Prompt: "daily brief", Enabled: true, NextRunAt: &due,
	}
	store.tasks["t2"] = &domain.ScheduledTask{
		ID: "t2", Name: "review::m::n", DispatchMode: domain.DispatchJob,
		JobName: "education.review", JobArgs: json.RawMessage(`{"map_id":"m"}`),
		Enabled: true, NextRunAt: &due,
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(spawner.prompts) != 1 || spawner.prompts[0] != "daily brief" {
		t.Errorf("prompts = %v", spawner.prompts)
	}
	if spawner.triggers[0] != domain.ScheduleTrigger("brief") {
		t.Errorf("trigger = %s", spawner.triggers[0])
	}
	if string(jobArgs) != `{"map_id":"m"}` {
		t.Errorf("job args = %s", jobArgs)
	}

	// Cron task advanced; one-shot job retired.
	if store.tasks["t1"].NextRunAt == nil || !store.tasks["t1"].NextRunAt.After(now) {
		t.Errorf("t1 next run = %v", store.tasks["t1"].NextRunAt)
	}
	if store.tasks["t2"].NextRunAt != nil {
		t.Errorf("one-shot still scheduled: %v", store.tasks["t2"].NextRunAt)
	}
	if store.tasks["t1"].LastResult != "ok" {
		t.Errorf("t1 result = %q", store.tasks["t1"].LastResult)
	}
}

func TestTickSkipsOutOfWindow(t *testing.T) {
	store := newFakeTaskStore()
	loop := NewLoop("health", store, &stubSpawner{}, time.Minute, logger.Discard())
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	loop.now = func() time.Time { return now }

	due := now.Add(-time.Minute)
	until := now.Add(-time.Hour)
	store.tasks["t1"] = &domain.ScheduledTask{
		ID: "t1", Name: "expired-review", DispatchMode: domain.DispatchJob, JobName: "j",
		Enabled: true, NextRunAt: &due, UntilAt: &until,
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.tasks["t1"].LastResult != "skipped_window" {
		t.Errorf("result = %q", store.tasks["t1"].LastResult)
	}
}

func TestTickErrorsDoNotStopOtherTasks(t *testing.T) {
	store := newFakeTaskStore()
	spawner := &stubSpawner{err: errors.New("spawn failed")}
	loop := NewLoop("health", store, spawner, time.Minute, logger.Discard())
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	loop.now = func() time.Time { return now }

	var jobRan bool
	loop.RegisterJob("j", func(context.Context, json.RawMessage) error {
		jobRan = true
		return nil
	})

	due := now.Add(-time.Minute)
	store.tasks["t1"] = &domain.ScheduledTask{
		ID: "t1", Name: "a-failing", CronExpr: "0 8 * * *", DispatchMode: domain.DispatchPrompt,
		Prompt: "p", Enabled: true, NextRunAt: &due,
	}
	store.tasks["t2"] = &domain.ScheduledTask{
		ID: "t2", Name: "b-job", DispatchMode: domain.DispatchJob, JobName: "j",
		Enabled: true, NextRunAt: &due,
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !jobRan {
		t.Error("failure in one task blocked the next")
	}
	if !strings.HasPrefix(store.tasks["t1"].LastResult, "error:") {
		t.Errorf("t1 result = %q", store.tasks["t1"].LastResult)
	}
}

func TestTickNotReadyStillRunsJobs(t *testing.T) {
	store := newFakeTaskStore()
	loop := NewLoop("switchboard", store, nil, time.Minute, logger.Discard())
	loop.SetReady(func() bool { return false }) // no agent runtime attached
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	loop.now = func() time.Time { return now }

	var sweeps int
	loop.RegisterJob("eligibility.sweep", func(context.Context, json.RawMessage) error {
		sweeps++
		return nil
	})

	due := now.Add(-time.Minute)
	store.tasks["t1"] = &domain.ScheduledTask{
		ID: "t1", Name: "system::eligibility_sweep", CronExpr: "*/5 * * * *",
		DispatchMode: domain.DispatchJob, JobName: "eligibility.sweep",
		Enabled: true, NextRunAt: &due,
	}
	store.tasks["t2"] = &domain.ScheduledTask{
		ID: "t2", Name: "brief", CronExpr: "0 8 * * *", DispatchMode: domain.DispatchPrompt,
		Prompt: "p", Enabled: true, NextRunAt: &due,
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sweeps != 1 {
		t.Error("job dispatch must not wait for spawner readiness")
	}
	// The prompt task is untouched: still due, no run recorded.
	if !store.tasks["t2"].NextRunAt.Equal(due) || store.tasks["t2"].LastRunAt != nil {
		t.Errorf("prompt task = %+v, want left due", store.tasks["t2"])
	}
}

func TestTickRetiresOneShotPastUntil(t *testing.T) {
	store := newFakeTaskStore()
	loop := NewLoop("education", store, nil, time.Minute, logger.Discard())
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	loop.now = func() time.Time { return now }
	loop.RegisterJob("education.review", func(context.Context, json.RawMessage) error { return nil })

	due := now.Add(-time.Minute)
	until := due.Add(24 * time.Hour)
	store.tasks["t1"] = &domain.ScheduledTask{
		ID: "t1", Name: "review::m::n", CronExpr: "59 7 2 3 *", Timezone: "UTC",
		DispatchMode: domain.DispatchJob, JobName: "education.review",
		Enabled: true, NextRunAt: &due, UntilAt: &until,
	}

	if err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.tasks["t1"].LastResult != "ok" {
		t.Errorf("result = %q", store.tasks["t1"].LastResult)
	}
	// The yearly cron's next slot is past until_at, so the task retires.
	if store.tasks["t1"].NextRunAt != nil {
		t.Errorf("one-shot rescheduled to %v, want retired", store.tasks["t1"].NextRunAt)
	}
}

func TestStaggerStableWithinInterval(t *testing.T) {
	a := NewLoop("health", newFakeTaskStore(), nil, time.Minute, logger.Discard())
	b := NewLoop("health", newFakeTaskStore(), nil, time.Minute, logger.Discard())
	if a.Stagger() != b.Stagger() {
		t.Error("stagger not deterministic for the same butler name")
	}
	if a.Stagger() < 0 || a.Stagger() >= time.Minute {
		t.Errorf("stagger = %v", a.Stagger())
	}
}
