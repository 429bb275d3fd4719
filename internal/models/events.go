package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event type tags stored in outbox_events.event_type / inbox_events.event_type.
const (
	EventOrderCreated     = "OrderCreated"
	EventPaymentProcessed = "PaymentProcessed"
)

// Broker topics.
const (
	TopicOrderEvents   = "order-events"
	TopicPaymentEvents = "payment-events"
)

type OrderCreatedEvent struct {
	OrderID        string           `json:"orderId"`
	UserID         string           `json:"userId"`
	TotalAmount    decimal.Decimal  `json:"totalAmount"`
	CreatedAt      time.Time        `json:"createdAt"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Items          []OrderItemEvent `json:"items"`
}

type OrderItemEvent struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// PaymentProcessedEvent reports the outcome of a charge. Consumers
// deduplicate on IdempotencyKey, never on the broker message key.
type PaymentProcessedEvent struct {
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Success        bool            `json:"success"`
	TransactionID  *string         `json:"transactionId,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	ProcessedAt    time.Time       `json:"processedAt"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"required"`
}
