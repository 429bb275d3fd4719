package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType int

const (
	TransactionTopUp  TransactionType = 1
	TransactionCharge TransactionType = 2
	TransactionRefund TransactionType = 3
)

func (t TransactionType) String() string {
	switch t {
	case TransactionTopUp:
		return "TopUp"
	case TransactionCharge:
		return "Charge"
	case TransactionRefund:
		return "Refund"
	default:
		return "Unknown"
	}
}

// Account is one user's balance. Version is bumped on every balance change
// and guards concurrent writers (optimistic locking).
type Account struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Version   int             `json:"version" db:"version"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// Transaction is an immutable ledger record owned by an Account.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"accountId" db:"account_id"`
	Type           TransactionType `json:"type" db:"type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter" db:"balance_after"`
	OrderID        *string         `json:"orderId,omitempty" db:"order_id"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	Description    string          `json:"description" db:"description"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}
