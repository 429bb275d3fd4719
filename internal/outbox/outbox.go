// Package outbox implements the transactional outbox: events are written in
// the same database transaction as the state change they describe, and a
// Relay later publishes them to the broker.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orderpay/backend/internal/models"
)

var ErrEventNotFound = errors.New("outbox event not found")

// Topics maps each event type to the topic it is published on.
var Topics = map[string]string{
	models.EventOrderCreated:     models.TopicOrderEvents,
	models.EventPaymentProcessed: models.TopicPaymentEvents,
}

// Append serializes payload and inserts it as an unprocessed outbox row
// inside tx. The row becomes visible to the relay only when tx commits.
func Append(ctx context.Context, tx *sql.Tx, eventType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, event_data, created_at, is_processed, retry_count)
		VALUES ($1, $2, $3, $4, false, 0)
	`, id, eventType, data, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows rowScanner) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	var errMsg sql.NullString
	var processedAt sql.NullTime
	err := rows.Scan(&e.ID, &e.EventType, &e.EventData, &e.CreatedAt,
		&processedAt, &e.IsProcessed, &e.RetryCount, &errMsg)
	if err != nil {
		return e, err
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return e, nil
}
