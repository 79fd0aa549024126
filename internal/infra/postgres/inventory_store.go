package postgres

import (
	"context"
	"errors"

	"orderq/internal/domain"
	"orderq/internal/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ ports.InventoryStore = (*InventoryStore)(nil)

type InventoryStore struct {
	pool *pgxpool.Pool
}

func NewInventoryStore(pool *pgxpool.Pool) *InventoryStore {
	return &InventoryStore{pool: pool}
}

// WithTx runs fn inside one transaction; every row touched through the tx
// stays locked until commit or rollback.
func (s *InventoryStore) WithTx(ctx context.Context, fn func(tx ports.InventoryTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&inventoryTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *InventoryStore) Available(ctx context.Context, productID int64) (int, error) {
	var qty int
	err := s.pool.QueryRow(ctx, `SELECT quantity FROM products WHERE product_id=$1`, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrProductNotFound
		}
		return 0, err
	}
	return qty, nil
}

type inventoryTx struct {
	tx pgx.Tx
}

func (t *inventoryTx) GetForUpdate(ctx context.Context, productID int64) (*domain.Product, error) {
	var p domain.Product
	err := t.tx.QueryRow(ctx, `SELECT product_id, quantity FROM products
		WHERE product_id=$1 FOR UPDATE`, productID).Scan(&p.ProductID, &p.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (t *inventoryTx) UpdateQuantity(ctx context.Context, productID int64, quantity int) error {
	tag, err := t.tx.Exec(ctx, `UPDATE products SET quantity=$2 WHERE product_id=$1`,
		productID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}
