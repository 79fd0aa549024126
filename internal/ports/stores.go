package ports

import (
	"context"
	"time"

	"orderq/internal/domain"
)

// TaskStore is the durable record of timeout tasks.
type TaskStore interface {
	Create(ctx context.Context, t *domain.TimeoutTask) error
	Get(ctx context.Context, id string) (*domain.TimeoutTask, error)
	Update(ctx context.Context, t *domain.TimeoutTask) error
	ExistsActive(ctx context.Context, orderRef string, taskType domain.TaskType) (bool, error)
	ActiveByOrder(ctx context.Context, orderRef string) ([]*domain.TimeoutTask, error)
	// FindActive returns every SCHEDULED or RETRY task, for recovery.
	FindActive(ctx context.Context) ([]*domain.TimeoutTask, error)
	// FindStuck returns EXECUTING tasks whose execution started before the cutoff.
	FindStuck(ctx context.Context, startedBefore time.Time) ([]*domain.TimeoutTask, error)
	CancelNonTerminalBefore(ctx context.Context, createdBefore time.Time, reason string) (int64, error)
	DeleteTerminalBefore(ctx context.Context, updatedBefore time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error)
}

type OrderStore interface {
	Create(ctx context.Context, o *domain.Order) error
	Get(ctx context.Context, orderRef string) (*domain.Order, error)
	UpdateStatus(ctx context.Context, orderRef string, status domain.OrderStatus) error
	// PendingInWindow returns PENDING_PAYMENT orders created inside [from, to).
	PendingInWindow(ctx context.Context, from, to time.Time) ([]*domain.Order, error)
}

// InventoryTx exposes row-locked access to inventory records inside one
// transaction. GetForUpdate blocks concurrent transactions on the same row
// until commit.
type InventoryTx interface {
	GetForUpdate(ctx context.Context, productID int64) (*domain.Product, error)
	UpdateQuantity(ctx context.Context, productID int64, quantity int) error
}

type InventoryStore interface {
	WithTx(ctx context.Context, fn func(tx InventoryTx) error) error
	Available(ctx context.Context, productID int64) (int, error)
}
