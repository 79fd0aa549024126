package domain

import "time"

type OrderStatus string

const (
	OrderPendingPayment  OrderStatus = "PENDING_PAYMENT"
	OrderPendingShipment OrderStatus = "PENDING_SHIPMENT"
	OrderCancelled       OrderStatus = "CANCELLED"
)

type OrderItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type Order struct {
	OrderRef   string      `json:"order_ref"`
	Status     OrderStatus `json:"status"`
	Items      []OrderItem `json:"items"`
	CreateTime time.Time   `json:"create_time"`
	UpdateTime time.Time   `json:"update_time"`
}

type Product struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentUnknown PaymentStatus = "UNKNOWN"
)
