// Package cache is a best-effort read-through layer over Redis. It never
// fails a caller: read errors are misses and write errors are logged.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func OrderKey(orderID string) string { return "order:" + orderID }

func AccountKey(userID string) string { return "account:" + userID }

// Store wraps an optional Redis client. A nil client turns every call into
// a no-op, which is how the services run without Redis.
type Store struct {
	rdb *redis.Client
	log *logrus.Logger
}

func New(rdb *redis.Client, log *logrus.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

// GetJSON decodes the value at key into dst and reports whether it was a hit.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) bool {
	if s == nil || s.rdb == nil {
		return false
	}

	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache read failed")
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("discarding undecodable cache entry")
		s.Delete(ctx, key)
		return false
	}
	return true
}

// VersionedSetScript writes ARGV[1] with a PX ttl of ARGV[2] unless the
// entry already at KEYS[1] carries a "version" greater than ARGV[3].
const VersionedSetScript = `
local current = redis.call('GET', KEYS[1])
if current then
  local ok, doc = pcall(cjson.decode, current)
  if ok and type(doc) == 'table' then
    local cached = tonumber(doc['version'])
    if cached and cached > tonumber(ARGV[3]) then
      return 0
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

// SetIfNewer stores v under key unless the cached entry describes a newer
// state. v must encode version as its top-level "version" field, so a
// write that lost a race with a later commit cannot replace that commit's
// entry.
func (s *Store) SetIfNewer(ctx context.Context, key string, v any, version int64, ttl time.Duration) {
	if s == nil || s.rdb == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Error("failed to encode cache entry")
		s.Delete(ctx, key)
		return
	}
	written, err := s.rdb.Eval(ctx, VersionedSetScript, []string{key}, string(data), ttl.Milliseconds(), version).Int()
	if err != nil {
		// Deleting keeps an older value from outliving the change that
		// triggered the write.
		s.log.WithError(err).WithField("key", key).Warn("cache write failed")
		s.Delete(ctx, key)
		return
	}
	if written == 0 {
		s.log.WithFields(logrus.Fields{"key": key, "version": version}).Debug("cache already holds a newer entry")
	}
}

type marker struct {
	Version int64 `json:"version"`
}

// Invalidate replaces the entry with a marker for version. Readers treat it
// as a miss, and SetIfNewer rejects entries built from older state until
// the marker expires.
func (s *Store) Invalidate(ctx context.Context, key string, version int64, ttl time.Duration) {
	s.SetIfNewer(ctx, key, marker{Version: version}, version, ttl)
}

func (s *Store) Delete(ctx context.Context, keys ...string) {
	if s == nil || s.rdb == nil || len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.log.WithError(err).WithField("keys", keys).Warn("cache delete failed")
	}
}
