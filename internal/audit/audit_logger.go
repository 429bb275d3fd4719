// Package audit writes one JSON line per balance mutation, separate from
// the operational log stream.
package audit

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Event struct {
	Timestamp     time.Time         `json:"timestamp"`
	EventType     string            `json:"event_type"`
	TransactionID string            `json:"transaction_id,omitempty"`
	AccountID     string            `json:"account_id"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceAfter  *decimal.Decimal  `json:"balance_after,omitempty"`
	Status        string            `json:"status"`
	Details       map[string]string `json:"details,omitempty"`
}

type Logger struct {
	log *logrus.Logger
}

func NewLogger(log *logrus.Logger) *Logger {
	return &Logger{log: log}
}

func (a *Logger) LogTopUp(transactionID, accountID string, amount, balanceAfter decimal.Decimal) {
	a.write(Event{
		EventType:     "TOPUP",
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		BalanceAfter:  &balanceAfter,
		Status:        "SUCCESS",
	})
}

func (a *Logger) LogCharge(transactionID, accountID, orderID string, amount, balanceAfter decimal.Decimal) {
	a.write(Event{
		EventType:     "CHARGE",
		TransactionID: transactionID,
		AccountID:     accountID,
		Amount:        amount,
		BalanceAfter:  &balanceAfter,
		Status:        "SUCCESS",
		Details:       map[string]string{"order_id": orderID},
	})
}

// LogRejected records a charge that was refused for a business reason.
func (a *Logger) LogRejected(accountID, orderID string, amount decimal.Decimal, reason string) {
	a.write(Event{
		EventType: "CHARGE",
		AccountID: accountID,
		Amount:    amount,
		Status:    "REJECTED",
		Details: map[string]string{
			"order_id": orderID,
			"reason":   reason,
		},
	})
}

func (a *Logger) write(event Event) {
	if a == nil || a.log == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		a.log.WithError(err).Error("failed to encode audit event")
		return
	}
	a.log.WithField("audit", true).Infof("AUDIT: %s", data)
}
