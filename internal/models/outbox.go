package models

import (
	"time"
)

// OutboxEvent is a domain event committed together with the state change
// that produced it, waiting to be relayed to the broker.
type OutboxEvent struct {
	ID           string     `json:"id" db:"id"`
	EventType    string     `json:"eventType" db:"event_type"`
	EventData    []byte     `json:"eventData" db:"event_data"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty" db:"processed_at"`
	IsProcessed  bool       `json:"isProcessed" db:"is_processed"`
	RetryCount   int        `json:"retryCount" db:"retry_count"`
	ErrorMessage *string    `json:"errorMessage,omitempty" db:"error_message"`
}

// InboxEvent records an inbound event by idempotency key so a redelivery
// is recognised and skipped.
type InboxEvent struct {
	ID             string     `json:"id" db:"id"`
	EventType      string     `json:"eventType" db:"event_type"`
	EventData      []byte     `json:"eventData" db:"event_data"`
	IdempotencyKey string     `json:"idempotencyKey" db:"idempotency_key"`
	ReceivedAt     time.Time  `json:"receivedAt" db:"received_at"`
	ProcessedAt    *time.Time `json:"processedAt,omitempty" db:"processed_at"`
	IsProcessed    bool       `json:"isProcessed" db:"is_processed"`
	RetryCount     int        `json:"retryCount" db:"retry_count"`
	ErrorMessage   *string    `json:"errorMessage,omitempty" db:"error_message"`
}
