package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/orderpay/backend/internal/audit"
	"github.com/orderpay/backend/internal/cache"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/models"
	"github.com/orderpay/backend/internal/notify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyUser(ctx context.Context, userID string, update notify.StatusUpdate) {
	m.Called(userID, update.OrderID, update.Status)
}

func testConfig() *config.Config {
	return &config.Config{
		Ledger: config.LedgerConfig{MaxAttempts: 3},
		Cache: config.CacheConfig{
			OrderTTL:   5 * time.Minute,
			AccountTTL: 15 * time.Minute,
		},
	}
}

func nullLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func newTestLedger(db *sql.DB, rdb *redis.Client) *LedgerService {
	log := nullLogger()
	s := NewLedgerService(db, cache.New(rdb, log), audit.NewLogger(log), testConfig(), log)
	s.now = func() time.Time { return fixedNow }
	return s
}

// decimalArg matches a decimal query argument by numeric value.
type decimalArg string

func (a decimalArg) Match(v driver.Value) bool {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return false
	}
	got, err := decimal.NewFromString(s)
	return err == nil && got.Equal(decimal.RequireFromString(string(a)))
}

// paymentEventArg matches the JSON payload of a PaymentProcessed outbox row.
type paymentEventArg func(models.PaymentProcessedEvent) bool

func (a paymentEventArg) Match(v driver.Value) bool {
	data, ok := v.([]byte)
	if !ok {
		return false
	}
	var event models.PaymentProcessedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return false
	}
	return a(event)
}

// orderCreatedArg matches the JSON payload of an OrderCreated outbox row.
type orderCreatedArg func(models.OrderCreatedEvent) bool

func (a orderCreatedArg) Match(v driver.Value) bool {
	data, ok := v.([]byte)
	if !ok {
		return false
	}
	var event models.OrderCreatedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return false
	}
	return a(event)
}
