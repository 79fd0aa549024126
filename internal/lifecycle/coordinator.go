package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderq/internal/config"
	"orderq/internal/domain"
	"orderq/internal/infra/redislock"
	"orderq/internal/ports"

	"github.com/rs/zerolog/log"
)

// ErrOrderNotPending rejects lifecycle operations on orders past the payment
// window.
var ErrOrderNotPending = errors.New("order is not pending payment")

type Ledger interface {
	Reserve(ctx context.Context, items []domain.OrderItem) error
	Restore(ctx context.Context, items []domain.OrderItem) error
	Confirm(ctx context.Context, orderRef string) error
}

type TaskScheduler interface {
	Schedule(ctx context.Context, orderRef string, taskType domain.TaskType, timeoutMinutes int) (string, error)
	CancelByOrder(ctx context.Context, orderRef string, taskType domain.TaskType, reason string) bool
}

// OrderLocker serializes status mutations of one order across instances.
type OrderLocker interface {
	AcquireWithRetry(ctx context.Context, key string, ttl, budget time.Duration) (string, error)
	Release(ctx context.Context, key, token string) bool
}

// Coordinator glues order state to the inventory ledger and the timeout
// scheduler, and arbitrates between a firing timer and an out-of-band payment
// confirmation.
type Coordinator struct {
	orders  ports.OrderStore
	ledger  Ledger
	sched   TaskScheduler
	oracle  ports.PaymentOracle
	locks   OrderLocker
	cfg     config.Timeout
	lockCfg config.Lock
	now     func() time.Time
}

func NewCoordinator(orders ports.OrderStore, ledger Ledger, sched TaskScheduler, oracle ports.PaymentOracle, locks OrderLocker, cfg config.Timeout, lockCfg config.Lock) *Coordinator {
	return &Coordinator{
		orders:  orders,
		ledger:  ledger,
		sched:   sched,
		oracle:  oracle,
		locks:   locks,
		cfg:     cfg,
		lockCfg: lockCfg,
		now:     time.Now,
	}
}

// lockOrder takes the distributed per-order lock so a payment confirmation, a
// user cancellation, and a firing timeout on different instances serialize.
func (c *Coordinator) lockOrder(ctx context.Context, orderRef string) (func(), error) {
	key := redislock.OrderKey(orderRef)
	token, err := c.locks.AcquireWithRetry(ctx, key, c.lockCfg.TTL, c.lockCfg.RetryBudget)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", orderRef, err)
	}
	return func() { c.locks.Release(ctx, key, token) }, nil
}

// CreateOrder reserves inventory first; without a successful reservation no
// order and no timeout task come into existence.
func (c *Coordinator) CreateOrder(ctx context.Context, orderRef string, items []domain.OrderItem) (*domain.Order, error) {
	if orderRef == "" {
		return nil, &domain.ValidationError{Field: "order_ref", Reason: "empty"}
	}

	if err := c.ledger.Reserve(ctx, items); err != nil {
		return nil, fmt.Errorf("reserve for order %s: %w", orderRef, err)
	}

	now := c.now()
	order := &domain.Order{
		OrderRef:   orderRef,
		Status:     domain.OrderPendingPayment,
		Items:      items,
		CreateTime: now,
		UpdateTime: now,
	}
	if err := c.orders.Create(ctx, order); err != nil {
		if rerr := c.ledger.Restore(ctx, items); rerr != nil {
			log.Ctx(ctx).Error().Err(rerr).Str("order_ref", orderRef).
				Msg("restore after failed order creation also failed")
		}
		return nil, fmt.Errorf("create order %s: %w", orderRef, err)
	}

	if _, err := c.sched.Schedule(ctx, orderRef, domain.OrderTimeout, c.cfg.OrderMinutes); err != nil &&
		!errors.Is(err, domain.ErrTaskExists) {
		// The order stands; startup reconciliation picks up the missing task.
		log.Ctx(ctx).Error().Err(err).Str("order_ref", orderRef).
			Msg("scheduling order timeout failed")
	}

	log.Ctx(ctx).Info().Str("order_ref", orderRef).Int("items", len(items)).Msg("order created")
	return order, nil
}

// HandlePaid reacts to the asynchronous payment confirmation: the timeout
// task is cancelled (a no-op when it already reached a terminal state) and
// the order advances.
func (c *Coordinator) HandlePaid(ctx context.Context, orderRef string) error {
	unlock, err := c.lockOrder(ctx, orderRef)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := c.orders.Get(ctx, orderRef)
	if err != nil {
		return err
	}

	c.sched.CancelByOrder(ctx, orderRef, domain.OrderTimeout, "ORDER_PAID")
	if err := c.ledger.Confirm(ctx, orderRef); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("order_ref", orderRef).Msg("inventory confirm failed")
	}

	if order.Status == domain.OrderPendingPayment {
		if err := c.orders.UpdateStatus(ctx, orderRef, domain.OrderPendingShipment); err != nil {
			return err
		}
	}
	log.Ctx(ctx).Info().Str("order_ref", orderRef).Msg("order paid, timeout cancelled")
	return nil
}

// CancelOrder handles an explicit user cancellation.
func (c *Coordinator) CancelOrder(ctx context.Context, orderRef, reason string) error {
	unlock, err := c.lockOrder(ctx, orderRef)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := c.orders.Get(ctx, orderRef)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderPendingPayment {
		return fmt.Errorf("cancel order %s: %w", orderRef, ErrOrderNotPending)
	}

	c.sched.CancelByOrder(ctx, orderRef, domain.OrderTimeout, reason)

	if err := c.ledger.Restore(ctx, order.Items); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("order_ref", orderRef).
			Msg("inventory restore failed, cancelling order anyway")
	}
	if err := c.orders.UpdateStatus(ctx, orderRef, domain.OrderCancelled); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("order_ref", orderRef).Str("reason", reason).Msg("order cancelled by user")
	return nil
}

// HandleOrderTimeout is the ORDER_TIMEOUT task handler.
func (c *Coordinator) HandleOrderTimeout(ctx context.Context, task *domain.TimeoutTask) error {
	return c.expireOrder(ctx, task.OrderRef)
}

// expireOrder cancels a pending order whose payment window elapsed. The
// payment oracle is consulted before anything destructive: a paid order
// advances instead of being cancelled, no matter what the timer says.
func (c *Coordinator) expireOrder(ctx context.Context, orderRef string) error {
	// An unavailable lock surfaces as a handler failure, so the task retries
	// with backoff instead of racing the lock holder.
	unlock, err := c.lockOrder(ctx, orderRef)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := c.orders.Get(ctx, orderRef)
	if err != nil {
		return fmt.Errorf("order timeout %s: %w", orderRef, err)
	}

	if order.Status != domain.OrderPendingPayment {
		log.Ctx(ctx).Info().Str("order_ref", orderRef).Str("status", string(order.Status)).
			Msg("order no longer pending, timeout is a no-op")
		return nil
	}

	now := c.now()
	deadline := order.CreateTime.Add(time.Duration(c.cfg.OrderMinutes) * time.Minute)
	if now.Before(deadline) {
		log.Ctx(ctx).Info().Str("order_ref", orderRef).Time("deadline", deadline).
			Msg("order not past its deadline yet, skipping")
		return nil
	}

	switch c.oracle.Status(ctx, orderRef) {
	case domain.PaymentPaid:
		log.Ctx(ctx).Warn().Str("order_ref", orderRef).
			Msg("order found paid during timeout handling, advancing instead of cancelling")
		return c.orders.UpdateStatus(ctx, orderRef, domain.OrderPendingShipment)
	case domain.PaymentUnknown:
		if !c.cfg.CancelOnUnknownPayment {
			return fmt.Errorf("order timeout %s: payment status unknown, holding order", orderRef)
		}
		log.Ctx(ctx).Warn().Str("order_ref", orderRef).
			Msg("payment status unknown, proceeding with cancellation per policy")
	}

	if err := c.ledger.Restore(ctx, order.Items); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("order_ref", orderRef).
			Msg("inventory restore failed, cancelling order anyway")
	}
	if err := c.orders.UpdateStatus(ctx, orderRef, domain.OrderCancelled); err != nil {
		return fmt.Errorf("order timeout %s: %w", orderRef, err)
	}

	log.Ctx(ctx).Info().Str("order_ref", orderRef).Msg("order timed out and cancelled")
	return nil
}

// Reconcile scans recently created pending orders at startup: orders already
// past their deadline are handled immediately, the rest get a timeout task
// with the remaining time.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	now := c.now()
	orders, err := c.orders.PendingInWindow(ctx, now.Add(-c.cfg.ReconcileWindow), now)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	scheduled := 0
	for _, order := range orders {
		deadline := order.CreateTime.Add(time.Duration(c.cfg.OrderMinutes) * time.Minute)
		if !now.Before(deadline) {
			if err := c.expireOrder(ctx, order.OrderRef); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("order_ref", order.OrderRef).
					Msg("reconcile: expiring overdue order failed")
			}
			continue
		}

		remaining := int(deadline.Sub(now).Round(time.Minute) / time.Minute)
		if remaining < 1 {
			remaining = 1
		}
		if _, err := c.sched.Schedule(ctx, order.OrderRef, domain.OrderTimeout, remaining); err != nil {
			if !errors.Is(err, domain.ErrTaskExists) {
				log.Ctx(ctx).Error().Err(err).Str("order_ref", order.OrderRef).
					Msg("reconcile: rescheduling timeout failed")
			}
			continue
		}
		scheduled++
	}

	log.Ctx(ctx).Info().Int("pending", len(orders)).Int("scheduled", scheduled).
		Msg("startup order reconciliation complete")
	return scheduled, nil
}

// RemainingMinutes reports how long the order can still be paid. Zero means
// the order is not pending or already past its deadline.
func (c *Coordinator) RemainingMinutes(ctx context.Context, orderRef string) (int, error) {
	order, err := c.orders.Get(ctx, orderRef)
	if err != nil {
		return 0, err
	}
	if order.Status != domain.OrderPendingPayment {
		return 0, nil
	}
	deadline := order.CreateTime.Add(time.Duration(c.cfg.OrderMinutes) * time.Minute)
	now := c.now()
	if !now.Before(deadline) {
		return 0, nil
	}
	return int(deadline.Sub(now) / time.Minute), nil
}
