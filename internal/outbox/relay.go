package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/orderpay/backend/internal/broker"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/models"
	"github.com/sirupsen/logrus"
)

const eventColumns = `id, event_type, event_data, created_at, processed_at, is_processed, retry_count, error_message`

// Relay polls the outbox table and publishes pending rows. Delivery is
// at-least-once: a crash between publish and mark republishes the row.
type Relay struct {
	db  *sql.DB
	pub broker.Publisher
	cfg config.OutboxConfig
	log *logrus.Logger
}

func NewRelay(db *sql.DB, pub broker.Publisher, cfg config.OutboxConfig, log *logrus.Logger) *Relay {
	return &Relay{db: db, pub: pub, cfg: cfg, log: log}
}

// Run polls until ctx is cancelled. A cycle that has started runs to
// completion before Run returns.
func (r *Relay) Run(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"interval":    r.cfg.Interval.String(),
		"batch_size":  r.cfg.BatchSize,
		"max_retries": r.cfg.MaxRetries,
	}).Info("outbox relay started")

	for {
		wait := r.cfg.Interval
		if _, err := r.ProcessBatch(context.WithoutCancel(ctx)); err != nil {
			r.log.WithError(err).Error("outbox relay cycle failed")
			wait = r.cfg.ErrorCooldown
		}

		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// ProcessBatch publishes up to BatchSize pending rows in creation order. Each
// row is claimed, published and marked in its own transaction, so one slow
// or failing row never holds the outcome of the others. It returns the
// number of rows published. If the broker is unreachable the cycle stops
// with an error and the row keeps its retry budget.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	published := 0
	tried := []string{}
	for len(tried) < r.cfg.BatchSize {
		id, ok, err := r.processNext(ctx, tried)
		if err != nil {
			return published, err
		}
		if id == "" {
			break
		}
		tried = append(tried, id)
		if ok {
			published++
		}
	}
	if len(tried) > 0 {
		r.log.WithFields(logrus.Fields{
			"claimed":   len(tried),
			"published": published,
		}).Debug("outbox cycle finished")
	}
	return published, nil
}

// processNext handles the oldest claimable row not in skip. It returns the
// row's id, or "" when nothing is pending, and whether it was published.
func (r *Relay) processNext(ctx context.Context, skip []string) (string, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin relay transaction: %w", err)
	}
	defer tx.Rollback()

	// SKIP LOCKED lets several relay instances share one table without
	// publishing the same row twice in parallel.
	row := tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE is_processed = false AND retry_count < $1 AND NOT (id = ANY($2))
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, r.cfg.MaxRetries, pq.Array(skip))
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch outbox event: %w", err)
	}

	pubErr := r.publish(ctx, e)
	switch {
	case pubErr == nil:
		if err := r.markProcessed(ctx, tx, e.ID); err != nil {
			return e.ID, false, err
		}
	case errors.Is(pubErr, broker.ErrUnavailable), errors.Is(pubErr, broker.ErrClosed):
		return e.ID, false, fmt.Errorf("outbox event %s not published: %w", e.ID, pubErr)
	default:
		if err := r.recordFailure(ctx, tx, e, pubErr); err != nil {
			return e.ID, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return e.ID, false, fmt.Errorf("failed to commit outbox event %s: %w", e.ID, err)
	}
	return e.ID, pubErr == nil, nil
}

func (r *Relay) publish(ctx context.Context, e models.OutboxEvent) error {
	topic, ok := Topics[e.EventType]
	if !ok {
		return fmt.Errorf("no topic for event type %q", e.EventType)
	}
	return r.pub.Publish(ctx, topic, e.ID, e.EventData)
}

func (r *Relay) markProcessed(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox_events SET is_processed = true, processed_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s processed: %w", id, err)
	}
	r.log.WithField("event_id", id).Debug("outbox event published")
	return nil
}

func (r *Relay) recordFailure(ctx context.Context, tx *sql.Tx, e models.OutboxEvent, cause error) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox_events SET retry_count = retry_count + 1, error_message = $1 WHERE id = $2`,
		cause.Error(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure for %s: %w", e.ID, err)
	}

	fields := logrus.Fields{
		"event_id":    e.ID,
		"event_type":  e.EventType,
		"retry_count": e.RetryCount + 1,
	}
	if e.RetryCount+1 >= r.cfg.MaxRetries {
		r.log.WithError(cause).WithFields(fields).Error("outbox event dead-lettered after max retries")
		return nil
	}
	r.log.WithError(cause).WithFields(fields).Warn("failed to publish outbox event")
	return nil
}

// DeadLetters lists rows that exhausted their retries and are no longer
// picked up by the relay.
func (r *Relay) DeadLetters(ctx context.Context) ([]models.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE is_processed = false AND retry_count >= $1
		ORDER BY created_at
	`, r.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	events := []models.OutboxEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Requeue resets the retry counter of an unprocessed row so the relay picks
// it up again.
func (r *Relay) Requeue(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET retry_count = 0, error_message = NULL WHERE id = $1 AND is_processed = false`,
		id)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to requeue outbox event: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	r.log.WithField("event_id", id).Info("outbox event requeued")
	return nil
}
