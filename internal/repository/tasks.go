package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"butlerd/internal/domain"
)

// TaskStore is the pgx-backed scheduled_tasks table.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates the store.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

func (s *TaskStore) Save(ctx context.Context, t domain.ScheduledTask) error {
	const op = "TaskStore.Save"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (
			id, name, cron_expr, dispatch_mode, prompt, job_name, job_args, timezone,
			start_at, end_at, until_at, enabled, next_run_at, last_run_at, last_result,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			cron_expr = EXCLUDED.cron_expr,
			dispatch_mode = EXCLUDED.dispatch_mode,
			prompt = EXCLUDED.prompt,
			job_name = EXCLUDED.job_name,
			job_args = EXCLUDED.job_args,
			timezone = EXCLUDED.timezone,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			until_at = EXCLUDED.until_at,
			enabled = EXCLUDED.enabled,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = now()`,
		t.ID, t.Name, t.CronExpr, string(t.DispatchMode), t.Prompt, t.JobName, t.JobArgs, t.Timezone,
		t.StartAt, t.EndAt, t.UntilAt, t.Enabled, t.NextRunAt, t.LastRunAt, t.LastResult,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return storeErr(op, err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	const op = "TaskStore.Get"
	t, err := scanTask(s.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return t, nil
}

func (s *TaskStore) GetByName(ctx context.Context, name string) (*domain.ScheduledTask, error) {
	const op = "TaskStore.GetByName"
	t, err := scanTask(s.pool.QueryRow(ctx, taskSelect+` WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return t, nil
}

func (s *TaskStore) List(ctx context.Context) ([]domain.ScheduledTask, error) {
	const op = "TaskStore.List"
	return s.query(ctx, op, taskSelect+` ORDER BY name`)
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	const op = "TaskStore.Delete"
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Due(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	const op = "TaskStore.Due"
	return s.query(ctx, op, taskSelect+`
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC`, now)
}

func (s *TaskStore) RecordRun(ctx context.Context, id string, ranAt time.Time, result string, nextRun *time.Time) error {
	const op = "TaskStore.RecordRun"
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET last_run_at = $2, last_result = $3, next_run_at = $4, updated_at = now()
		WHERE id = $1`, id, ranAt, result, nextRun)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *TaskStore) CountPendingReviews(ctx context.Context, namePrefix string) (int, error) {
	const op = "TaskStore.CountPendingReviews"
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM scheduled_tasks
		WHERE enabled AND name LIKE $1 || '%'`, namePrefix).Scan(&n)
	if err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

func (s *TaskStore) query(ctx context.Context, op, sql string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

const taskSelect = `
	SELECT id, name, cron_expr, dispatch_mode, prompt, job_name, job_args, timezone,
		start_at, end_at, until_at, enabled, next_run_at, last_run_at, last_result,
		created_at, updated_at
	FROM scheduled_tasks`

func scanTask(row rowScanner) (*domain.ScheduledTask, error) {
	var (
		t    domain.ScheduledTask
		mode string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.CronExpr, &mode, &t.Prompt, &t.JobName, &t.JobArgs,
		&t.Timezone, &t.StartAt, &t.EndAt, &t.UntilAt, &t.Enabled, &t.NextRunAt,
		&t.LastRunAt, &t.LastResult, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.DispatchMode = domain.DispatchMode(mode)
	return &t, nil
}
