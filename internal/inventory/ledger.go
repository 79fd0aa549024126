package inventory

import (
	"context"
	"fmt"
	"sort"

	"orderq/internal/config"
	"orderq/internal/domain"
	"orderq/internal/infra/redislock"
	"orderq/internal/ports"

	"github.com/rs/zerolog/log"
)

// Ledger owns every mutation of inventory quantities. Reservations run under
// a distributed lock per product plus a row lock inside one transaction, so
// concurrent multi-instance reservations cannot oversell.
type Ledger struct {
	store  ports.InventoryStore
	locker ports.Locker
	cfg    config.Lock
}

func NewLedger(store ports.InventoryStore, locker ports.Locker, cfg config.Lock) *Ledger {
	return &Ledger{store: store, locker: locker, cfg: cfg}
}

// Reserve decrements quantities for all items or none of them. Distributed
// locks are taken in ascending product order to rule out lock-order inversion
// between overlapping reservations.
func (l *Ledger) Reserve(ctx context.Context, items []domain.OrderItem) error {
	if len(items) == 0 {
		return &domain.ValidationError{Field: "items", Reason: "empty"}
	}

	need := make(map[int64]int, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
		}
		need[it.ProductID] += it.Quantity
	}

	productIDs := make([]int64, 0, len(need))
	for id := range need {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	tokens := make(map[int64]string, len(productIDs))
	defer func() {
		for id, token := range tokens {
			l.locker.Release(ctx, redislock.ProductKey(id), token)
		}
	}()

	for _, id := range productIDs {
		token, err := l.locker.AcquireWithRetry(ctx, redislock.ProductKey(id), l.cfg.TTL, l.cfg.RetryBudget)
		if err != nil {
			log.Ctx(ctx).Warn().Int64("product_id", id).Msg("reservation aborted, product lock not acquired")
			return fmt.Errorf("product %d: %w", id, err)
		}
		tokens[id] = token
	}

	err := l.store.WithTx(ctx, func(tx ports.InventoryTx) error {
		for _, id := range productIDs {
			p, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return fmt.Errorf("product %d: %w", id, err)
			}
			qty := need[id]
			if p.Quantity < qty {
				log.Ctx(ctx).Warn().Int64("product_id", id).Int("need", qty).Int("have", p.Quantity).
					Msg("insufficient stock")
				return fmt.Errorf("product %d: %w", id, domain.ErrInsufficientStock)
			}
			if err := tx.UpdateQuantity(ctx, id, p.Quantity-qty); err != nil {
				return fmt.Errorf("product %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Int("products", len(productIDs)).Msg("inventory reserved")
	return nil
}

// Restore reverses reservation decrements. Best effort per item: a missing
// product is logged and skipped so the rest of the batch still restores.
func (l *Ledger) Restore(ctx context.Context, items []domain.OrderItem) error {
	return l.store.WithTx(ctx, func(tx ports.InventoryTx) error {
		for _, it := range items {
			p, err := tx.GetForUpdate(ctx, it.ProductID)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Int64("product_id", it.ProductID).
					Msg("skipping restore for product")
				continue
			}
			if err := tx.UpdateQuantity(ctx, it.ProductID, p.Quantity+it.Quantity); err != nil {
				return fmt.Errorf("product %d: %w", it.ProductID, err)
			}
		}
		return nil
	})
}

// Confirm acknowledges a paid reservation. The decrement done at reserve time
// is already durable, so there is no held-vs-committed ledger to settle.
func (l *Ledger) Confirm(ctx context.Context, orderRef string) error {
	log.Ctx(ctx).Info().Str("order_ref", orderRef).Msg("inventory reservation confirmed")
	return nil
}

// Check reports whether the product currently has at least qty available.
func (l *Ledger) Check(ctx context.Context, productID int64, qty int) (bool, error) {
	have, err := l.store.Available(ctx, productID)
	if err != nil {
		return false, err
	}
	return have >= qty, nil
}

// Available returns the current quantity of a product.
func (l *Ledger) Available(ctx context.Context, productID int64) (int, error) {
	return l.store.Available(ctx, productID)
}
