package domain

import (
	"fmt"
	"time"

	"orderq/pkg/backoff"
)

type TaskStatus string

const (
	TaskScheduled TaskStatus = "SCHEDULED"
	TaskExecuting TaskStatus = "EXECUTING"
	TaskExecuted  TaskStatus = "EXECUTED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskFailed    TaskStatus = "FAILED"
	TaskRetry     TaskStatus = "RETRY"
)

type TaskType string

const (
	PaymentTimeout   TaskType = "PAYMENT_TIMEOUT"
	OrderTimeout     TaskType = "ORDER_TIMEOUT"
	InventoryTimeout TaskType = "INVENTORY_TIMEOUT"
	CallbackTimeout  TaskType = "CALLBACK_TIMEOUT"
)

// Horizon after which a non-terminal task is considered abandoned and gets
// cancelled instead of executed.
const TaskExpiry = 24 * time.Hour

// TimeoutTask is a durable unit of deferred work tied to an order. It is
// mutated only by the scheduler; every transition validates its source state.
type TimeoutTask struct {
	ID             string     `json:"id"`
	OrderRef       string     `json:"order_ref"`
	Type           TaskType   `json:"type"`
	Status         TaskStatus `json:"status"`
	ScheduleTime   time.Time  `json:"schedule_time"`
	ExecuteTime    time.Time  `json:"execute_time"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	RetryCount     int        `json:"retry_count"`
	MaxRetryCount  int        `json:"max_retry_count"`
	ErrorMessage   string     `json:"error_message"`
	CancelReason   string     `json:"cancel_reason"`
	CreateTime     time.Time  `json:"create_time"`
	UpdateTime     time.Time  `json:"update_time"`
}

func NewTimeoutTask(orderRef string, taskType TaskType, timeoutMinutes int, now time.Time) *TimeoutTask {
	return &TimeoutTask{
		ID:             fmt.Sprintf("%s_%s_%d", orderRef, taskType, now.UnixMilli()),
		OrderRef:       orderRef,
		Type:           taskType,
		Status:         TaskScheduled,
		ScheduleTime:   now.Add(time.Duration(timeoutMinutes) * time.Minute),
		TimeoutMinutes: timeoutMinutes,
		MaxRetryCount:  3,
		CreateTime:     now,
		UpdateTime:     now,
	}
}

func (t *TimeoutTask) Active() bool {
	return t.Status == TaskScheduled || t.Status == TaskExecuting || t.Status == TaskRetry
}

func (t *TimeoutTask) Terminal() bool {
	return t.Status == TaskExecuted || t.Status == TaskCancelled
}

func (t *TimeoutTask) Due(now time.Time) bool {
	return !now.Before(t.ScheduleTime)
}

func (t *TimeoutTask) CanCancel() bool {
	return t.Status == TaskScheduled || t.Status == TaskRetry
}

func (t *TimeoutTask) CanRetry() bool {
	return t.Status == TaskFailed && t.RetryCount < t.MaxRetryCount
}

// ExpiredAt reports whether the task has sat non-terminal past the expiry
// horizon since creation.
func (t *TimeoutTask) ExpiredAt(now time.Time) bool {
	if t.Status != TaskScheduled && t.Status != TaskRetry {
		return false
	}
	return now.After(t.CreateTime.Add(TaskExpiry))
}

func (t *TimeoutTask) MarkExecuting(now time.Time) error {
	if t.Status != TaskScheduled && t.Status != TaskRetry {
		return &StateTransitionError{TaskID: t.ID, From: t.Status, To: TaskExecuting}
	}
	t.Status = TaskExecuting
	t.ExecuteTime = now
	t.UpdateTime = now
	return nil
}

func (t *TimeoutTask) MarkExecuted(now time.Time) error {
	if t.Status != TaskExecuting {
		return &StateTransitionError{TaskID: t.ID, From: t.Status, To: TaskExecuted}
	}
	t.Status = TaskExecuted
	t.UpdateTime = now
	return nil
}

func (t *TimeoutTask) MarkFailed(errMsg string, now time.Time) error {
	if t.Status != TaskExecuting {
		return &StateTransitionError{TaskID: t.ID, From: t.Status, To: TaskFailed}
	}
	t.Status = TaskFailed
	t.ErrorMessage = errMsg
	t.UpdateTime = now
	return nil
}

func (t *TimeoutTask) MarkCancelled(reason string, now time.Time) error {
	if !t.CanCancel() {
		return &StateTransitionError{TaskID: t.ID, From: t.Status, To: TaskCancelled}
	}
	t.Status = TaskCancelled
	t.CancelReason = reason
	t.UpdateTime = now
	return nil
}

// Retry moves a failed task back into the schedule with an exponentially
// increased delay, so ScheduleTime strictly grows on every attempt.
func (t *TimeoutTask) Retry(now time.Time) error {
	if !t.CanRetry() {
		return &StateTransitionError{TaskID: t.ID, From: t.Status, To: TaskRetry}
	}
	t.RetryCount++
	t.Status = TaskRetry
	t.ErrorMessage = ""
	t.ScheduleTime = now.Add(backoff.RetryDelay(t.RetryCount))
	t.UpdateTime = now
	return nil
}
