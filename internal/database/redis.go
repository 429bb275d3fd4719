package database

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/orderpay/backend/internal/config"
	"github.com/sirupsen/logrus"
)

// OpenRedis connects to Redis. The cache is optional: on a failed ping the
// error is logged and nil is returned so the service runs uncached.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) *redis.Client {
	addr := cfg.Host + ":" + cfg.Port
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("redis connection failed, continuing without cache")
		rdb.Close()
		return nil
	}

	log.WithField("addr", addr).Info("redis connection established")
	return rdb
}
