package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLocker implements Locker with SET key instance_id NX EX ttl,
// matching the original RedisLockManager. Release and Refresh only act when
// the caller's instanceID still owns the key (a Lua-free compare-and-delete
// via GET-then-DEL, acceptable here since the instance ID check is
// advisory, not a correctness-critical fencing token). Fails open on any
// Redis error, per the original's try/except-log-and-proceed policy —
// availability of the trading loop outranks lock strictness on a transient
// Redis outage.
type RedisLocker struct {
	rdb        *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.Logger
}

// NewRedisLocker constructs a RedisLocker against the given connection URL.
func NewRedisLocker(redisURL, instanceID string, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("risk: parse redis url: %w", err)
	}
	return &RedisLocker{rdb: redis.NewClient(opt), instanceID: instanceID, ttl: ttl, logger: logger}, nil
}

func (r *RedisLocker) redisKey(key string) string { return "scalper:lock:" + key }

func (r *RedisLocker) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.redisKey(key), r.instanceID, r.ttl).Result()
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("redis lock acquire failed, failing open", zap.String("key", key), zap.Error(err))
		}
		return true, nil
	}
	return ok, nil
}

func (r *RedisLocker) Release(ctx context.Context, key string) error {
	owner, err := r.rdb.Get(ctx, r.redisKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		if r.logger != nil {
			r.logger.Warn("redis lock release check failed, failing open", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	if owner != r.instanceID {
		return nil
	}
	return r.rdb.Del(ctx, r.redisKey(key)).Err()
}

func (r *RedisLocker) Refresh(ctx context.Context, key string) error {
	owner, err := r.rdb.Get(ctx, r.redisKey(key)).Result()
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("redis lock refresh check failed, failing open", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	if owner != r.instanceID {
		return fmt.Errorf("risk: lock %s held by another instance", key)
	}
	return r.rdb.Expire(ctx, r.redisKey(key), r.ttl).Err()
}
