package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orderpay/backend/internal/cache"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/inbox"
	"github.com/orderpay/backend/internal/models"
	"github.com/orderpay/backend/internal/notify"
	"github.com/sirupsen/logrus"
)

// PaymentEventProcessor applies PaymentProcessed events to orders. It is
// the inbox handler of the orders service: each event takes effect at most
// once, however often the broker delivers it.
type PaymentEventProcessor struct {
	db        *sql.DB
	cache     *cache.Store
	notifier  notify.Notifier
	log       *logrus.Logger
	validator *ValidationHelper
	orderTTL  time.Duration
	now       func() time.Time
}

// orderChange is a committed status change of one order.
type orderChange struct {
	status    models.OrderStatus
	updatedAt time.Time
}

func NewPaymentEventProcessor(db *sql.DB, store *cache.Store, notifier notify.Notifier, cfg *config.Config, log *logrus.Logger) *PaymentEventProcessor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &PaymentEventProcessor{
		db:        db,
		cache:     store,
		notifier:  notifier,
		log:       log,
		validator: NewValidationHelper(),
		orderTTL:  cfg.Cache.OrderTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaymentEventProcessor) decode(body []byte) (models.PaymentProcessedEvent, error) {
	var event models.PaymentProcessedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("%w: %v", inbox.ErrPoison, err)
	}
	if err := p.validator.ValidateStruct(&event); err != nil {
		return event, fmt.Errorf("%w: %v", inbox.ErrPoison, err)
	}
	return event, nil
}

// SequenceKey routes all events of one order to the same worker.
func (p *PaymentEventProcessor) SequenceKey(body []byte) (string, error) {
	event, err := p.decode(body)
	if err != nil {
		return "", err
	}
	return event.OrderID, nil
}

func (p *PaymentEventProcessor) Handle(ctx context.Context, body []byte) error {
	event, err := p.decode(body)
	if err != nil {
		return err
	}

	log := p.log.WithFields(logrus.Fields{
		"order_id":        event.OrderID,
		"idempotency_key": event.IdempotencyKey,
		"success":         event.Success,
	})

	existing, err := inbox.Find(ctx, p.db, event.IdempotencyKey)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsProcessed {
		log.Info("payment event already processed")
		return nil
	}

	change, err := p.apply(ctx, event, existing, body, log)
	if err != nil {
		if existing != nil {
			if recErr := inbox.RecordAttempt(ctx, p.db, event.IdempotencyKey, err); recErr != nil {
				log.WithError(recErr).Warn("failed to record inbox attempt")
			}
		}
		return err
	}
	if change == nil {
		return nil
	}

	// A reader that loaded the order before this commit may still be about
	// to cache it; the marker makes that write lose.
	p.cache.Invalidate(ctx, cache.OrderKey(event.OrderID), models.OrderCacheVersion(change.updatedAt), p.orderTTL)

	message := "order paid"
	if !event.Success {
		message = "payment failed"
		if event.ErrorMessage != nil {
			message += ": " + *event.ErrorMessage
		}
	}
	p.notifier.NotifyUser(ctx, event.UserID, notify.StatusUpdate{
		OrderID: event.OrderID,
		Status:  change.status.String(),
		Message: message,
	})
	log.WithField("status", change.status.String()).Info("payment event applied")
	return nil
}

// apply runs the inbox transaction. It returns the committed change, or nil
// when the event was recorded without changing an order.
func (p *PaymentEventProcessor) apply(ctx context.Context, event models.PaymentProcessedEvent, existing *models.InboxEvent, body []byte, log *logrus.Entry) (*orderChange, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inboxID string
	if existing != nil {
		inboxID = existing.ID
	} else {
		inboxID, err = inbox.Insert(ctx, tx, models.EventPaymentProcessed, body, event.IdempotencyKey)
		if err != nil {
			return nil, err
		}
	}

	current, err := p.lockOrder(ctx, tx, event.OrderID)
	if errors.Is(err, ErrNotFound) {
		log.Warn("payment event for unknown order")
		note := "order not found"
		return nil, p.finish(ctx, tx, inboxID, &note)
	}
	if err != nil {
		return nil, err
	}

	target := models.OrderPaymentFailed
	if event.Success {
		target = models.OrderPaid
	}

	if !CanTransition(current, target) {
		note := fmt.Sprintf("transition %s -> %s not allowed", current, target)
		log.WithField("current_status", current.String()).Warn("ignoring payment event: " + note)
		return nil, p.finish(ctx, tx, inboxID, &note)
	}

	var paymentTxID *string
	if event.Success {
		paymentTxID = event.TransactionID
	}
	now := p.now()
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, payment_transaction_id = COALESCE($2, payment_transaction_id), updated_at = $3
		WHERE id = $4
	`, target, paymentTxID, now, event.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	if err := p.finish(ctx, tx, inboxID, nil); err != nil {
		return nil, err
	}
	return &orderChange{status: target, updatedAt: now}, nil
}

func (p *PaymentEventProcessor) finish(ctx context.Context, tx *sql.Tx, inboxID string, note *string) error {
	if err := inbox.MarkProcessed(ctx, tx, inboxID, note); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment event: %w", err)
	}
	return nil
}

// lockOrder returns the order's status and holds its row lock for the rest
// of the transaction. A malformed id is treated as an unknown order.
func (p *PaymentEventProcessor) lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (models.OrderStatus, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return 0, ErrNotFound
	}

	var status models.OrderStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load order: %w", err)
	}
	return status, nil
}
