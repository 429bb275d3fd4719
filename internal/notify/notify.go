// Package notify pushes order status changes to the real-time channel.
// Delivery is best effort; failures are logged and never reach the caller.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Event names carried in StatusUpdate.Event.
const (
	EventOrderStatusChanged = "OrderStatusChanged"
)

type StatusUpdate struct {
	Event   string    `json:"event"`
	OrderID string    `json:"orderId"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

type Notifier interface {
	NotifyUser(ctx context.Context, userID string, update StatusUpdate)
}

// Channel is the per-user channel name subscribers listen on.
func Channel(userID string) string {
	return "user_" + userID
}

// RedisNotifier publishes updates on the Redis pub/sub channel of the user.
type RedisNotifier struct {
	rdb *redis.Client
	log *logrus.Logger
}

func NewRedisNotifier(rdb *redis.Client, log *logrus.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, log: log}
}

func (n *RedisNotifier) NotifyUser(ctx context.Context, userID string, update StatusUpdate) {
	if n == nil || n.rdb == nil {
		return
	}
	if update.Event == "" {
		update.Event = EventOrderStatusChanged
	}
	if update.SentAt.IsZero() {
		update.SentAt = time.Now().UTC()
	}

	data, err := json.Marshal(update)
	if err != nil {
		n.log.WithError(err).Error("failed to encode status update")
		return
	}
	if err := n.rdb.Publish(ctx, Channel(userID), string(data)).Err(); err != nil {
		n.log.WithError(err).WithFields(logrus.Fields{
			"user_id":  userID,
			"order_id": update.OrderID,
		}).Warn("failed to publish status update")
	}
}

// Nop discards every update.
type Nop struct{}

func (Nop) NotifyUser(context.Context, string, StatusUpdate) {}
