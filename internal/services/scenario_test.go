package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/orderpay/backend/internal/cache"
	"github.com/orderpay/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// A charge replayed under its key never debits twice, and a charge larger
// than the balance leaves it untouched.
func TestLedgerScenario_TopUpChargeReplayOverdraw(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := newTestLedger(db, nil)
	ctx := context.Background()
	seventy := decimal.NewFromInt(70)

	sqlMock.ExpectQuery(selectAccount).WithArgs("u1").WillReturnRows(sqlmock.NewRows(accountRowColumns))
	sqlMock.ExpectExec("INSERT INTO accounts").WillReturnResult(sqlmock.NewResult(1, 1))
	created, err := service.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	require.True(t, created.Success)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(selectAccount).WithArgs("u1").WillReturnRows(accountRow("0.00", 0))
	sqlMock.ExpectExec(updateBalance).
		WithArgs(decimalArg("100"), sqlmock.AnyArg(), "acc1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(insertTx).WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectCommit()
	topUp, err := service.TopUp(ctx, TopUpRequest{UserID: "u1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.True(t, topUp.NewBalance.Equal(decimal.NewFromInt(100)))

	first := ChargeRequest{UserID: "u1", OrderID: "o1", Amount: decimal.NewFromInt(30), IdempotencyKey: "K1"}
	sqlMock.ExpectQuery(findByKey).WithArgs("K1").WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}))
	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(selectAccount).WithArgs("u1").WillReturnRows(accountRow("100.00", 1))
	sqlMock.ExpectExec(updateBalance).
		WithArgs(decimalArg("70"), sqlmock.AnyArg(), "acc1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(insertTx).
		WithArgs(sqlmock.AnyArg(), "acc1", models.TransactionCharge, decimalArg("30"), decimalArg("70"),
			"o1", "K1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectExec(insertOutboxRow).WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectCommit()
	charged, err := service.Charge(ctx, first)
	require.NoError(t, err)
	require.True(t, charged.Success)
	assert.True(t, charged.RemainingBalance.Equal(seventy))

	sqlMock.ExpectQuery(findByKey).WithArgs("K1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow(charged.TransactionID, "70.00"))
	replayed, err := service.Charge(ctx, first)
	require.NoError(t, err)
	assert.True(t, replayed.Success)
	assert.Equal(t, charged.TransactionID, replayed.TransactionID)
	assert.True(t, replayed.RemainingBalance.Equal(seventy))

	sqlMock.ExpectQuery(findByKey).WithArgs("K2").WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}))
	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(selectAccount).WithArgs("u1").WillReturnRows(accountRow("70.00", 2))
	sqlMock.ExpectExec(insertOutboxRow).
		WithArgs(sqlmock.AnyArg(), models.EventPaymentProcessed, paymentEventArg(func(e models.PaymentProcessedEvent) bool {
			return !e.Success && e.IdempotencyKey == "K2"
		}), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectCommit()
	overdrawn, err := service.Charge(ctx, ChargeRequest{UserID: "u1", OrderID: "o2", Amount: decimal.NewFromInt(1000), IdempotencyKey: "K2"})
	require.NoError(t, err)
	assert.False(t, overdrawn.Success)
	assert.Equal(t, "insufficient funds", overdrawn.Message)

	sqlMock.ExpectQuery(selectAccount).WithArgs("u1").WillReturnRows(accountRow("70.00", 2))
	balance, err := service.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(seventy))

	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

// An order created as Pending reads back as Paid with the ledger's
// transaction id once the payment event is applied, even though the cache
// held a marker from the update.
func TestOrderScenario_CreatePayRead(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	rdb, cacheMock := redismock.NewClientMock()

	notifier := new(MockNotifier)
	orders := newTestOrderService(db, rdb, notifier)
	log := nullLogger()
	processor := NewPaymentEventProcessor(db, cache.New(rdb, log), notifier, testConfig(), log)
	processor.now = orders.now
	ctx := context.Background()

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectExec("INSERT INTO order_items").WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectExec("INSERT INTO outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectCommit()
	notifier.On("NotifyUser", "u1", mock.AnythingOfType("string"), "Pending").Return().Once()

	created, err := orders.CreateOrder(ctx, CreateOrderRequest{
		UserID: "u1",
		Items:  []OrderItemRequest{{ProductID: "p1", ProductName: "Widget", Quantity: 2, Price: decimal.NewFromInt(30)}},
	})
	require.NoError(t, err)
	require.True(t, created.Success)
	orderID := created.OrderID

	body := paymentBody(t, true, orderID, "pay-1")
	sqlMock.ExpectQuery(findInbox).WithArgs("pay-1").WillReturnRows(sqlmock.NewRows(inboxRowColumns))
	sqlMock.ExpectBegin()
	sqlMock.ExpectExec(insertInbox).WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectQuery(lockOrderQuery).WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(int(models.OrderPending)))
	sqlMock.ExpectExec(updateOrder).
		WithArgs(models.OrderPaid, "tx-1", fixedNow, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(markInbox).WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()
	expectOrderMarker(cacheMock, orderID, fixedNow)
	notifier.On("NotifyUser", "u1", orderID, "Paid").Return().Once()
	require.NoError(t, processor.Handle(ctx, body))

	// The marker left by the update is not a readable order.
	marker, err := json.Marshal(map[string]int64{"version": fixedNow.UnixMicro()})
	require.NoError(t, err)
	cacheMock.ExpectGet("order:" + orderID).SetVal(string(marker))
	sqlMock.ExpectQuery("SELECT (.+) FROM orders WHERE id = \\$1 AND user_id = \\$2").
		WithArgs(orderID, "u1").
		WillReturnRows(sqlmock.NewRows(orderRowColumns).
			AddRow(orderID, "u1", int(models.OrderPaid), "60.00", fixedNow, fixedNow, "tx-1"))
	sqlMock.ExpectQuery("SELECT (.+) FROM order_items").
		WillReturnRows(sqlmock.NewRows(itemRowColumns).
			AddRow("i1", orderID, "p1", "Widget", 2, "30.00"))

	txID := "tx-1"
	expected := models.NewOrderSnapshot(&models.Order{
		ID:                   orderID,
		UserID:               "u1",
		Status:               models.OrderPaid,
		TotalAmount:          decimal.RequireFromString("60.00"),
		CreatedAt:            fixedNow,
		UpdatedAt:            fixedNow,
		PaymentTransactionID: &txID,
		Items:                []models.OrderItem{{ID: "i1", ProductID: "p1", ProductName: "Widget", Quantity: 2, Price: decimal.RequireFromString("30.00")}},
	})
	data, err := json.Marshal(expected)
	require.NoError(t, err)
	cacheMock.ExpectEval(cache.VersionedSetScript, []string{"order:" + orderID},
		string(data), int64(300000), fixedNow.UnixMicro()).SetVal(int64(1))

	status, err := orders.GetOrderStatus(ctx, orderID, "u1")
	require.NoError(t, err)
	require.True(t, status.Success)
	assert.Equal(t, models.OrderPaid, status.Order.Status)
	require.NotNil(t, status.Order.PaymentTransactionID)
	assert.Equal(t, "tx-1", *status.Order.PaymentTransactionID)

	assert.NoError(t, sqlMock.ExpectationsWereMet())
	assert.NoError(t, cacheMock.ExpectationsWereMet())
	notifier.AssertExpectations(t)
}
