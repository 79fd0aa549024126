package postgres

import (
	"context"
	"errors"
	"time"

	"orderq/internal/domain"
	"orderq/internal/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ ports.TaskStore = (*TaskStore)(nil)

type TaskStore struct {
	pool *pgxpool.Pool
}

func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `task_id, order_ref, task_type, status, schedule_time, execute_time,
	timeout_minutes, retry_count, max_retry_count, error_message, cancel_reason,
	create_time, update_time`

func scanTask(row pgx.Row) (*domain.TimeoutTask, error) {
	var t domain.TimeoutTask
	err := row.Scan(&t.ID, &t.OrderRef, &t.Type, &t.Status, &t.ScheduleTime, &t.ExecuteTime,
		&t.TimeoutMinutes, &t.RetryCount, &t.MaxRetryCount, &t.ErrorMessage, &t.CancelReason,
		&t.CreateTime, &t.UpdateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *TaskStore) Create(ctx context.Context, t *domain.TimeoutTask) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO timeout_tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.OrderRef, t.Type, t.Status, t.ScheduleTime, t.ExecuteTime,
		t.TimeoutMinutes, t.RetryCount, t.MaxRetryCount, t.ErrorMessage, t.CancelReason,
		t.CreateTime, t.UpdateTime)
	return err
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.TimeoutTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM timeout_tasks WHERE task_id=$1`, id)
	return scanTask(row)
}

// Update persists a task transition. Terminal rows are guarded in the WHERE
// clause, so a stale writer on another instance cannot overwrite an EXECUTED
// or CANCELLED outcome that landed between its load and its save.
func (s *TaskStore) Update(ctx context.Context, t *domain.TimeoutTask) error {
	tag, err := s.pool.Exec(ctx, `UPDATE timeout_tasks SET status=$2, schedule_time=$3,
		execute_time=$4, retry_count=$5, error_message=$6, cancel_reason=$7, update_time=$8
		WHERE task_id=$1 AND status NOT IN ('EXECUTED','CANCELLED')`,
		t.ID, t.Status, t.ScheduleTime, t.ExecuteTime, t.RetryCount,
		t.ErrorMessage, t.CancelReason, t.UpdateTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		return &domain.StateTransitionError{TaskID: t.ID, From: cur.Status, To: t.Status}
	}
	return nil
}

func (s *TaskStore) ExistsActive(ctx context.Context, orderRef string, taskType domain.TaskType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM timeout_tasks
		WHERE order_ref=$1 AND task_type=$2 AND status IN ('SCHEDULED','EXECUTING','RETRY'))`,
		orderRef, taskType).Scan(&exists)
	return exists, err
}

func (s *TaskStore) ActiveByOrder(ctx context.Context, orderRef string) ([]*domain.TimeoutTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM timeout_tasks
		WHERE order_ref=$1 AND status IN ('SCHEDULED','EXECUTING','RETRY')`, orderRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) FindActive(ctx context.Context) ([]*domain.TimeoutTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM timeout_tasks
		WHERE status IN ('SCHEDULED','RETRY') ORDER BY schedule_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) FindStuck(ctx context.Context, startedBefore time.Time) ([]*domain.TimeoutTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM timeout_tasks
		WHERE status='EXECUTING' AND execute_time < $1`, startedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *TaskStore) CancelNonTerminalBefore(ctx context.Context, createdBefore time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE timeout_tasks
		SET status='CANCELLED', cancel_reason=$2, update_time=now()
		WHERE status IN ('SCHEDULED','RETRY','FAILED') AND create_time < $1`,
		createdBefore, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, updatedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM timeout_tasks
		WHERE status IN ('EXECUTED','CANCELLED') AND update_time < $1`, updatedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *TaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM timeout_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int64)
	for rows.Next() {
		var st domain.TaskStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows pgx.Rows) ([]*domain.TimeoutTask, error) {
	var tasks []*domain.TimeoutTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
