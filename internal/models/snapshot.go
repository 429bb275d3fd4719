package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the cached form of an Account. It is versioned
// separately from the table layout so schema changes do not break
// entries already sitting in Redis.
type AccountSnapshot struct {
	SchemaVersion int             `json:"v"`
	AccountID     string          `json:"accountId"`
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	Version       int             `json:"version"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// OrderSnapshot is the cached form of an Order with its items.
type OrderSnapshot struct {
	SchemaVersion        int                 `json:"v"`
	OrderID              string              `json:"orderId"`
	UserID               string              `json:"userId"`
	Status               OrderStatus         `json:"status"`
	TotalAmount          decimal.Decimal     `json:"totalAmount"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
	PaymentTransactionID *string             `json:"paymentTransactionId,omitempty"`
	Items                []OrderItemSnapshot `json:"items"`
	Version              int64               `json:"version"`
}

type OrderItemSnapshot struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

const snapshotSchemaVersion = 1

func NewAccountSnapshot(a *Account) AccountSnapshot {
	return AccountSnapshot{
		SchemaVersion: snapshotSchemaVersion,
		AccountID:     a.ID,
		UserID:        a.UserID,
		Balance:       a.Balance,
		Version:       a.Version,
		UpdatedAt:     a.UpdatedAt,
	}
}

// Valid reports whether the snapshot was written with the current layout.
func (s AccountSnapshot) Valid() bool {
	return s.SchemaVersion == snapshotSchemaVersion && s.AccountID != ""
}

func NewOrderSnapshot(o *Order) OrderSnapshot {
	items := make([]OrderItemSnapshot, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemSnapshot{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
		})
	}
	return OrderSnapshot{
		SchemaVersion:        snapshotSchemaVersion,
		OrderID:              o.ID,
		UserID:               o.UserID,
		Status:               o.Status,
		TotalAmount:          o.TotalAmount,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
		PaymentTransactionID: o.PaymentTransactionID,
		Items:                items,
		Version:              OrderCacheVersion(o.UpdatedAt),
	}
}

// OrderCacheVersion orders cached states of one order by their last update.
// Postgres keeps microseconds, so finer precision would not survive a read.
func OrderCacheVersion(updatedAt time.Time) int64 {
	return updatedAt.UnixMicro()
}

func (s OrderSnapshot) Valid() bool {
	return s.SchemaVersion == snapshotSchemaVersion && s.OrderID != ""
}

// Order rebuilds the domain view of the cached order.
func (s OrderSnapshot) Order() *Order {
	o := &Order{
		ID:                   s.OrderID,
		UserID:               s.UserID,
		Status:               s.Status,
		TotalAmount:          s.TotalAmount,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
		PaymentTransactionID: s.PaymentTransactionID,
		Items:                make([]OrderItem, 0, len(s.Items)),
	}
	for _, it := range s.Items {
		o.Items = append(o.Items, OrderItem{
			ID:          it.ID,
			OrderID:     s.OrderID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
		})
	}
	return o
}
