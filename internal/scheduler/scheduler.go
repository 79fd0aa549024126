package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orderq/internal/config"
	"orderq/internal/domain"
	"orderq/internal/ports"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Handler executes the business side of a fired timeout task.
type Handler func(ctx context.Context, task *domain.TimeoutTask) error

// Scheduler is the in-memory timer engine over the durable task store. It is
// the only writer of task state. Handlers run on a bounded pool; when the
// pool is full the task runs synchronously on the timer goroutine instead of
// being dropped.
type Scheduler struct {
	store    ports.TaskStore
	cfg      config.Timeout
	handlers map[domain.TaskType]Handler
	sem      *semaphore.Weighted
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer

	ctx     context.Context
	cancel  context.CancelFunc
	sweepWg sync.WaitGroup

	totalScheduled atomic.Int64
	totalExecuted  atomic.Int64
	totalCancelled atomic.Int64
	totalFailed    atomic.Int64
}

func New(store ports.TaskStore, cfg config.Timeout) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		handlers: make(map[domain.TaskType]Handler),
		sem:      semaphore.NewWeighted(int64(workers)),
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register binds a handler to a task type. New task types only need a new
// registration, not a change to the dispatch loop.
func (s *Scheduler) Register(taskType domain.TaskType, h Handler) {
	s.handlers[taskType] = h
}

// Schedule persists a timeout task and arms its timer. An active task for the
// same (order, type) makes this a no-op reported as ErrTaskExists.
func (s *Scheduler) Schedule(ctx context.Context, orderRef string, taskType domain.TaskType, timeoutMinutes int) (string, error) {
	if orderRef == "" {
		return "", &domain.ValidationError{Field: "order_ref", Reason: "empty"}
	}
	if timeoutMinutes < 0 {
		return "", &domain.ValidationError{Field: "timeout_minutes", Reason: "negative"}
	}

	exists, err := s.store.ExistsActive(ctx, orderRef, taskType)
	if err != nil {
		return "", fmt.Errorf("schedule %s/%s: %w", orderRef, taskType, err)
	}
	if exists {
		log.Ctx(ctx).Warn().Str("order_ref", orderRef).Str("task_type", string(taskType)).
			Msg("active timeout task already exists, skipping")
		return "", domain.ErrTaskExists
	}

	task := domain.NewTimeoutTask(orderRef, taskType, timeoutMinutes, s.now())
	if s.cfg.MaxRetryCount > 0 {
		task.MaxRetryCount = s.cfg.MaxRetryCount
	}
	if err := s.store.Create(ctx, task); err != nil {
		return "", fmt.Errorf("schedule %s/%s: %w", orderRef, taskType, err)
	}

	s.armTimer(task)
	s.totalScheduled.Add(1)
	log.Ctx(ctx).Info().Str("task_id", task.ID).Str("order_ref", orderRef).
		Str("task_type", string(taskType)).Time("schedule_time", task.ScheduleTime).
		Msg("timeout task scheduled")
	return task.ID, nil
}

// Cancel moves a SCHEDULED or RETRY task to CANCELLED and disarms its timer.
// A timer firing concurrently loses the race on the execute-path status
// guard, so exactly one terminal outcome is recorded.
func (s *Scheduler) Cancel(ctx context.Context, taskID, reason string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := task.MarkCancelled(reason, s.now()); err != nil {
		return err
	}

	s.disarmTimer(taskID)

	if err := s.store.Update(ctx, task); err != nil {
		return err
	}
	s.totalCancelled.Add(1)
	log.Ctx(ctx).Info().Str("task_id", taskID).Str("reason", reason).Msg("timeout task cancelled")
	return nil
}

// CancelByOrder cancels every active task for the order, optionally filtered
// by type. Cancelling where nothing is active is a harmless no-op.
func (s *Scheduler) CancelByOrder(ctx context.Context, orderRef string, taskType domain.TaskType, reason string) bool {
	tasks, err := s.store.ActiveByOrder(ctx, orderRef)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("order_ref", orderRef).Msg("active task lookup failed")
		return false
	}

	cancelled := false
	for _, t := range tasks {
		if taskType != "" && t.Type != taskType {
			continue
		}
		if err := s.Cancel(ctx, t.ID, reason); err != nil {
			var ste *domain.StateTransitionError
			if !errors.As(err, &ste) {
				log.Ctx(ctx).Error().Err(err).Str("task_id", t.ID).Msg("cancel failed")
			}
			continue
		}
		cancelled = true
	}
	return cancelled
}

// Recover reloads every active task after a restart. Tasks past the expiry
// horizon are cancelled, already-due tasks execute inline once, the rest get
// fresh timers.
func (s *Scheduler) Recover(ctx context.Context) error {
	tasks, err := s.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	var rearmed, executed, expired int
	now := s.now()
	for _, task := range tasks {
		switch {
		case task.ExpiredAt(now):
			if err := task.MarkCancelled("SYSTEM_RESTART_EXPIRED", now); err == nil {
				if err := s.store.Update(ctx, task); err != nil {
					log.Ctx(ctx).Error().Err(err).Str("task_id", task.ID).Msg("expire on recover failed")
					continue
				}
				expired++
			}
		case task.Due(now):
			s.execute(ctx, task.ID)
			executed++
		default:
			s.armTimer(task)
			rearmed++
		}
	}

	log.Ctx(ctx).Info().Int("total", len(tasks)).Int("rearmed", rearmed).
		Int("executed", executed).Int("expired", expired).Msg("timeout task recovery complete")
	return nil
}

// Start launches the stuck-task and cleanup sweeps.
func (s *Scheduler) Start() {
	s.sweepWg.Add(2)
	go s.sweepLoop(s.cfg.StuckSweep, s.sweepStuck)
	go s.sweepLoop(s.cfg.CleanupSweep, s.sweepCleanup)
}

// Close disarms all timers and stops the sweeps. In-flight handlers finish on
// their own; their tasks are re-examined on the next recovery.
func (s *Scheduler) Close() {
	s.cancel()
	s.sweepWg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) sweepLoop(interval time.Duration, sweep func(ctx context.Context)) {
	defer s.sweepWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			sweep(s.ctx)
		}
	}
}

// sweepStuck presumes tasks executing longer than the stuck threshold crashed
// mid-handler, fails them, and routes them into the normal retry path.
func (s *Scheduler) sweepStuck(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.StuckAfter)
	tasks, err := s.store.FindStuck(ctx, cutoff)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("stuck task sweep failed")
		return
	}
	for _, task := range tasks {
		log.Ctx(ctx).Warn().Str("task_id", task.ID).Time("execute_time", task.ExecuteTime).
			Msg("stuck task detected")
		if err := task.MarkFailed("TASK_STUCK_TIMEOUT", s.now()); err != nil {
			continue
		}
		if err := s.store.Update(ctx, task); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("task_id", task.ID).Msg("stuck task update failed")
			continue
		}
		s.totalFailed.Add(1)
		if task.CanRetry() {
			s.scheduleRetry(ctx, task)
		}
	}
}

func (s *Scheduler) sweepCleanup(ctx context.Context) {
	cancelled, err := s.store.CancelNonTerminalBefore(ctx, s.now().Add(-domain.TaskExpiry), "EXPIRED")
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("expired task cleanup failed")
	}
	deleted, err := s.store.DeleteTerminalBefore(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("terminal task cleanup failed")
	}
	if cancelled > 0 || deleted > 0 {
		log.Ctx(ctx).Info().Int64("cancelled", cancelled).Int64("deleted", deleted).
			Msg("task cleanup complete")
	}
}

func (s *Scheduler) armTimer(task *domain.TimeoutTask) {
	delay := task.ScheduleTime.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	taskID := task.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[taskID]; ok {
		old.Stop()
	}
	s.timers[taskID] = time.AfterFunc(delay, func() {
		s.dispatch(taskID)
	})
}

func (s *Scheduler) disarmTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}

func (s *Scheduler) dispatch(taskID string) {
	if s.sem.TryAcquire(1) {
		go func() {
			defer s.sem.Release(1)
			s.execute(s.ctx, taskID)
		}()
		return
	}
	// Pool exhausted: run on this goroutine rather than dropping the task.
	s.execute(s.ctx, taskID)
}

// execute is the single fire path for timers, recovery, and retries. It
// revalidates dueness and status after reload, so a cancellation or a
// concurrent execution that won the race turns this call into a no-op.
func (s *Scheduler) execute(ctx context.Context, taskID string) {
	// Drop the fired timer's stale handle up front; a retry arms a fresh
	// timer below and that one must survive this call.
	s.disarmTimer(taskID)

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("task_id", taskID).Msg("task reload before execution failed")
		return
	}

	now := s.now()
	if task.Status != domain.TaskScheduled && task.Status != domain.TaskRetry {
		log.Ctx(ctx).Debug().Str("task_id", taskID).Str("status", string(task.Status)).
			Msg("task no longer executable, skipping")
		return
	}
	if !task.Due(now) {
		log.Ctx(ctx).Warn().Str("task_id", taskID).Time("schedule_time", task.ScheduleTime).
			Msg("timer fired before schedule time, skipping")
		return
	}

	if err := task.MarkExecuting(now); err != nil {
		return
	}
	if err := s.store.Update(ctx, task); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("marking task executing failed")
		return
	}

	log.Ctx(ctx).Info().Str("task_id", taskID).Str("order_ref", task.OrderRef).
		Str("task_type", string(task.Type)).Msg("executing timeout task")

	if herr := s.runHandler(ctx, task); herr != nil {
		if err := task.MarkFailed(herr.Error(), s.now()); err != nil {
			return
		}
		if err := s.store.Update(ctx, task); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("marking task failed failed")
			return
		}
		s.totalFailed.Add(1)
		log.Ctx(ctx).Error().Err(herr).Str("task_id", taskID).Msg("timeout task failed")

		if task.CanRetry() {
			s.scheduleRetry(ctx, task)
		}
		return
	}

	if err := task.MarkExecuted(s.now()); err != nil {
		return
	}
	if err := s.store.Update(ctx, task); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", taskID).Msg("marking task executed failed")
		return
	}
	s.totalExecuted.Add(1)
	log.Ctx(ctx).Info().Str("task_id", taskID).Str("order_ref", task.OrderRef).
		Msg("timeout task executed")
}

// runHandler never lets a handler error or panic escape the execute loop.
func (s *Scheduler) runHandler(ctx context.Context, task *domain.TimeoutTask) (err error) {
	handler, ok := s.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler registered for task type %s", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (s *Scheduler) scheduleRetry(ctx context.Context, task *domain.TimeoutTask) {
	if err := task.Retry(s.now()); err != nil {
		return
	}
	if err := s.store.Update(ctx, task); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task_id", task.ID).Msg("scheduling retry failed")
		return
	}
	s.armTimer(task)
	log.Ctx(ctx).Info().Str("task_id", task.ID).Int("retry_count", task.RetryCount).
		Time("schedule_time", task.ScheduleTime).Msg("timeout task retry scheduled")
}

// Stats is an operator-facing snapshot.
type Stats struct {
	TotalScheduled int64                       `json:"total_scheduled"`
	TotalExecuted  int64                       `json:"total_executed"`
	TotalCancelled int64                       `json:"total_cancelled"`
	TotalFailed    int64                       `json:"total_failed"`
	ByStatus       map[domain.TaskStatus]int64 `json:"by_status"`
	ArmedTimers    int                         `json:"armed_timers"`
}

func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	byStatus, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	armed := len(s.timers)
	s.mu.Unlock()
	return Stats{
		TotalScheduled: s.totalScheduled.Load(),
		TotalExecuted:  s.totalExecuted.Load(),
		TotalCancelled: s.totalCancelled.Load(),
		TotalFailed:    s.totalFailed.Load(),
		ByStatus:       byStatus,
		ArmedTimers:    armed,
	}, nil
}
