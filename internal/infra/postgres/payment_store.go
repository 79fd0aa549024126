package postgres

import (
	"context"
	"errors"
	"time"

	"orderq/internal/domain"
	"orderq/internal/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var _ ports.PaymentOracle = (*PaymentStore)(nil)

// PaymentStore is the store-backed payment status oracle. Lookup errors map
// to UNKNOWN; the caller decides what UNKNOWN means.
type PaymentStore struct {
	pool *pgxpool.Pool
}

func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

func (s *PaymentStore) Status(ctx context.Context, orderRef string) domain.PaymentStatus {
	var st domain.PaymentStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM payments WHERE order_ref=$1`, orderRef).Scan(&st)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentUnpaid
		}
		log.Ctx(ctx).Warn().Err(err).Str("order_ref", orderRef).Msg("payment status lookup failed")
		return domain.PaymentUnknown
	}
	return st
}

// MarkPaid records the asynchronous payment confirmation.
func (s *PaymentStore) MarkPaid(ctx context.Context, orderRef string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO payments (order_ref, status, update_time)
		VALUES ($1,$2,$3)
		ON CONFLICT (order_ref) DO UPDATE SET status=$2, update_time=$3`,
		orderRef, domain.PaymentPaid, time.Now().UTC())
	return err
}
