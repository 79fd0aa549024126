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

var _ ports.OrderStore = (*OrderStore)(nil)

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func (s *OrderStore) Create(ctx context.Context, o *domain.Order) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO orders (order_ref, status, create_time, update_time)
		VALUES ($1,$2,$3,$4)`, o.OrderRef, o.Status, o.CreateTime, o.UpdateTime)
	if err != nil {
		return err
	}
	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `INSERT INTO order_items (order_ref, product_id, quantity)
			VALUES ($1,$2,$3)`, o.OrderRef, it.ProductID, it.Quantity)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *OrderStore) Get(ctx context.Context, orderRef string) (*domain.Order, error) {
	var o domain.Order
	err := s.pool.QueryRow(ctx, `SELECT order_ref, status, create_time, update_time
		FROM orders WHERE order_ref=$1`, orderRef).
		Scan(&o.OrderRef, &o.Status, &o.CreateTime, &o.UpdateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	if err := s.loadItems(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderStore) UpdateStatus(ctx context.Context, orderRef string, status domain.OrderStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET status=$2, update_time=now()
		WHERE order_ref=$1`, orderRef, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (s *OrderStore) PendingInWindow(ctx context.Context, from, to time.Time) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT order_ref, status, create_time, update_time
		FROM orders WHERE status='PENDING_PAYMENT' AND create_time >= $1 AND create_time < $2
		ORDER BY create_time`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.OrderRef, &o.Status, &o.CreateTime, &o.UpdateTime); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := s.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *OrderStore) loadItems(ctx context.Context, o *domain.Order) error {
	rows, err := s.pool.Query(ctx, `SELECT product_id, quantity FROM order_items
		WHERE order_ref=$1 ORDER BY product_id`, o.OrderRef)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}
