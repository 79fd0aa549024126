package ports

import (
	"context"

	"orderq/internal/domain"
)

// PaymentOracle answers whether an order has actually been paid. It must
// tolerate frequent polling; implementations map lookup errors to UNKNOWN.
type PaymentOracle interface {
	Status(ctx context.Context, orderRef string) domain.PaymentStatus
}
