package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus int

const (
	OrderPending           OrderStatus = 0
	OrderPaymentProcessing OrderStatus = 1
	OrderPaid              OrderStatus = 2
	OrderPaymentFailed     OrderStatus = 3
	OrderCancelled         OrderStatus = 4
	OrderShipped           OrderStatus = 5
	OrderDelivered         OrderStatus = 6
)

var orderStatusNames = map[OrderStatus]string{
	OrderPending:           "Pending",
	OrderPaymentProcessing: "PaymentProcessing",
	OrderPaid:              "Paid",
	OrderPaymentFailed:     "PaymentFailed",
	OrderCancelled:         "Cancelled",
	OrderShipped:           "Shipped",
	OrderDelivered:         "Delivered",
}

func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Order represents a customer order and its line items
type Order struct {
	ID                   string          `json:"id" db:"id"`
	UserID               string          `json:"userId" db:"user_id"`
	Status               OrderStatus     `json:"status" db:"status"`
	TotalAmount          decimal.Decimal `json:"totalAmount" db:"total_amount"`
	CreatedAt            time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time       `json:"updatedAt" db:"updated_at"`
	PaymentTransactionID *string         `json:"paymentTransactionId,omitempty" db:"payment_transaction_id"`
	Items                []OrderItem     `json:"items"`
}

type OrderItem struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"orderId" db:"order_id"`
	ProductID   string          `json:"productId" db:"product_id"`
	ProductName string          `json:"productName" db:"product_name"`
	Quantity    int             `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
}

// Subtotal is price times quantity for the line.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
