package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/orderpay/backend/internal/broker"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"id", "event_type", "event_data", "created_at", "processed_at", "is_processed", "retry_count", "error_message"}

const (
	claimQuery = "SELECT (.+) FROM outbox_events WHERE is_processed = false AND retry_count < \\$1 AND NOT \\(id = ANY\\(\\$2\\)\\) ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED"
	markQuery  = "UPDATE outbox_events SET is_processed = true, processed_at = \\$1 WHERE id = \\$2"
	failQuery  = "UPDATE outbox_events SET retry_count = retry_count \\+ 1, error_message = \\$1 WHERE id = \\$2"
)

func testConfig() config.OutboxConfig {
	return config.OutboxConfig{
		Interval:      10 * time.Second,
		ErrorCooldown: time.Minute,
		BatchSize:     10,
		MaxRetries:    5,
	}
}

// expectNothingPending ends a cycle: the next claim finds no row.
func expectNothingPending(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectRollback()
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs(sqlmock.AnyArg(), models.EventOrderCreated, []byte(`{"orderId":"o1"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	id, err := Append(context.Background(), tx, models.EventOrderCreated, map[string]string{"orderId": "o1"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_UnencodablePayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	_, err = Append(context.Background(), tx, models.EventOrderCreated, make(chan int))
	assert.Error(t, err)
}

func TestRelay_ProcessBatchPublishesInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bus := broker.NewMemoryBus()
	relay := NewRelay(db, bus, testConfig(), quietLogger())
	now := time.Now()

	// Every row is claimed and marked in a transaction of its own.
	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).
		WithArgs(5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", models.EventOrderCreated, []byte(`{"orderId":"o1"}`), now, nil, false, 0, nil))
	mock.ExpectExec(markQuery).
		WithArgs(sqlmock.AnyArg(), "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).
		WithArgs(5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e2", models.EventPaymentProcessed, []byte(`{"orderId":"o2"}`), now, nil, false, 0, nil))
	mock.ExpectExec(markQuery).
		WithArgs(sqlmock.AnyArg(), "e2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectNothingPending(mock)

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	published := bus.Published()
	require.Len(t, published, 2)
	assert.Equal(t, broker.Message{Topic: models.TopicOrderEvents, Key: "e1", Body: []byte(`{"orderId":"o1"}`)}, published[0])
	assert.Equal(t, models.TopicPaymentEvents, published[1].Topic)
	assert.Equal(t, "e2", published[1].Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_ProcessBatchStopsAtBatchSize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.BatchSize = 1
	bus := broker.NewMemoryBus()
	relay := NewRelay(db, bus, cfg, quietLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", models.EventOrderCreated, []byte(`{}`), time.Now(), nil, false, 0, nil))
	mock.ExpectExec(markQuery).
		WithArgs(sqlmock.AnyArg(), "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A failure recorded for one row is committed even when the next row's
// transaction breaks.
func TestRelay_RowOutcomesCommitIndependently(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bus := broker.NewMemoryBus()
	relay := NewRelay(db, bus, testConfig(), quietLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "SomethingElse", []byte(`{}`), time.Now(), nil, false, 0, nil))
	mock.ExpectExec(failQuery).
		WithArgs(`no topic for event type "SomethingElse"`, "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e2", models.EventOrderCreated, []byte(`{}`), time.Now(), nil, false, 0, nil))
	mock.ExpectExec(markQuery).
		WithArgs(sqlmock.AnyArg(), "e2").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	n, err := relay.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "failed to mark outbox event e2 processed")
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_EmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	relay := NewRelay(db, broker.NewMemoryBus(), testConfig(), quietLogger())
	expectNothingPending(mock)

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Three failed publishes followed by a success: the event is published
// exactly once and the row ends up processed.
func TestRelay_RetriesUntilPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bus := broker.NewMemoryBus()
	rejected := errors.New("broker nacked message")
	bus.FailNext(rejected, rejected, rejected)
	relay := NewRelay(db, bus, testConfig(), quietLogger())
	created := time.Now()

	for retry := 0; retry < 3; retry++ {
		var lastErr any
		if retry > 0 {
			lastErr = rejected.Error()
		}
		mock.ExpectBegin()
		mock.ExpectQuery(claimQuery).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("e1", models.EventOrderCreated, []byte(`{}`), created, nil, false, retry, lastErr))
		mock.ExpectExec(failQuery).
			WithArgs(rejected.Error(), "e1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		// e1 is not claimed twice in one cycle.
		expectNothingPending(mock)

		n, err := relay.ProcessBatch(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", models.EventOrderCreated, []byte(`{}`), created, nil, false, 3, rejected.Error()))
	mock.ExpectExec("UPDATE outbox_events SET is_processed = true").
		WithArgs(sqlmock.AnyArg(), "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectNothingPending(mock)

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, bus.Published(), 1)
	assert.Equal(t, "e1", bus.Published()[0].Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// An unreachable broker ends the cycle without charging the row a retry.
func TestRelay_BrokerUnavailableKeepsRetryBudget(t *testing.T) {
	for _, cause := range []error{broker.ErrUnavailable, broker.ErrClosed} {
		t.Run(cause.Error(), func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			bus := broker.NewMemoryBus()
			bus.FailNext(fmt.Errorf("%w: dial tcp: connection refused", cause))
			relay := NewRelay(db, bus, testConfig(), quietLogger())

			mock.ExpectBegin()
			mock.ExpectQuery(claimQuery).
				WillReturnRows(sqlmock.NewRows(columns).
					AddRow("e1", models.EventOrderCreated, []byte(`{}`), time.Now(), nil, false, 4, nil))
			mock.ExpectRollback()

			n, err := relay.ProcessBatch(context.Background())
			assert.ErrorIs(t, err, cause)
			assert.Zero(t, n)
			assert.Empty(t, bus.Published())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRelay_UnknownEventTypeCountsAsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bus := broker.NewMemoryBus()
	relay := NewRelay(db, bus, testConfig(), quietLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e1", "SomethingElse", []byte(`{}`), time.Now(), nil, false, 4, nil))
	mock.ExpectExec("UPDATE outbox_events SET retry_count = retry_count \\+ 1").
		WithArgs(`no topic for event type "SomethingElse"`, "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectNothingPending(mock)

	_, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bus.Published())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_ClaimFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	relay := NewRelay(db, broker.NewMemoryBus(), testConfig(), quietLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(claimQuery).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = relay.ProcessBatch(context.Background())
	assert.ErrorContains(t, err, "failed to fetch outbox event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_RunFinishesCycleOnShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	relay := NewRelay(db, broker.NewMemoryBus(), testConfig(), quietLogger())

	expectNothingPending(mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, relay.Run(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_DeadLettersAndRequeue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	relay := NewRelay(db, broker.NewMemoryBus(), testConfig(), quietLogger())

	mock.ExpectQuery("SELECT (.+) FROM outbox_events WHERE is_processed = false AND retry_count >= \\$1").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e9", models.EventPaymentProcessed, []byte(`{}`), time.Now(), nil, false, 5, "broker unavailable"))

	dead, err := relay.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "e9", dead[0].ID)
	require.NotNil(t, dead[0].ErrorMessage)
	assert.Equal(t, "broker unavailable", *dead[0].ErrorMessage)

	mock.ExpectExec("UPDATE outbox_events SET retry_count = 0, error_message = NULL WHERE id = \\$1 AND is_processed = false").
		WithArgs("e9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, relay.Requeue(context.Background(), "e9"))

	mock.ExpectExec("UPDATE outbox_events SET retry_count = 0").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, relay.Requeue(context.Background(), "missing"), ErrEventNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
