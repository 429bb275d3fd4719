// Package inbox deduplicates consumed broker messages. Every handled event
// is recorded under its idempotency key, so a redelivery is recognised and
// skipped.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orderpay/backend/internal/database"
	"github.com/orderpay/backend/internal/models"
)

const idempotencyConstraint = "inbox_events_idempotency_key_key"

// ErrDuplicate means another consumer inserted the same idempotency key
// first. The delivery should be retried, at which point it is seen as
// already handled.
var ErrDuplicate = errors.New("inbox event already recorded")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Find returns the inbox row for key, or nil if none exists.
func Find(ctx context.Context, q Querier, key string) (*models.InboxEvent, error) {
	var e models.InboxEvent
	var processedAt sql.NullTime
	var errMsg sql.NullString

	err := q.QueryRowContext(ctx, `
		SELECT id, event_type, event_data, idempotency_key, received_at, processed_at, is_processed, retry_count, error_message
		FROM inbox_events WHERE idempotency_key = $1
	`, key).Scan(&e.ID, &e.EventType, &e.EventData, &e.IdempotencyKey, &e.ReceivedAt,
		&processedAt, &e.IsProcessed, &e.RetryCount, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up inbox event: %w", err)
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	return &e, nil
}

// Insert records a newly received event as unprocessed.
func Insert(ctx context.Context, q Querier, eventType string, data []byte, key string) (string, error) {
	id := uuid.New().String()
	_, err := q.ExecContext(ctx, `
		INSERT INTO inbox_events (id, event_type, event_data, idempotency_key, received_at, is_processed, retry_count)
		VALUES ($1, $2, $3, $4, $5, false, 0)
	`, id, eventType, data, key, time.Now().UTC())
	if database.IsUniqueViolation(err, idempotencyConstraint) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert inbox event: %w", err)
	}
	return id, nil
}

// MarkProcessed closes the inbox row. A non-nil note is stored as the
// error message, for events that were accepted but had no effect.
func MarkProcessed(ctx context.Context, q Querier, id string, note *string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE inbox_events SET is_processed = true, processed_at = $1, error_message = $2 WHERE id = $3`,
		time.Now().UTC(), note, id)
	if err != nil {
		return fmt.Errorf("failed to mark inbox event processed: %w", err)
	}
	return nil
}

// RecordAttempt bumps the retry counter after a failed handling attempt.
// It runs outside the handler's transaction, which has been rolled back.
func RecordAttempt(ctx context.Context, q Querier, key string, cause error) error {
	_, err := q.ExecContext(ctx,
		`UPDATE inbox_events SET retry_count = retry_count + 1, error_message = $1 WHERE idempotency_key = $2 AND is_processed = false`,
		cause.Error(), key)
	if err != nil {
		return fmt.Errorf("failed to record inbox attempt: %w", err)
	}
	return nil
}
