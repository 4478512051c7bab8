// Package lock provides a Redis backed sweep lock so only one instance
// runs a decay/cleanup tick at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultKey = "amc:memory:sweep"
	DefaultTTL = 10 * time.Minute
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock implements memory.SweepLock with SET NX plus a TTL. The TTL
// bounds how long a crashed holder blocks other instances.
type RedisLock struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLock connects to redisURL and verifies it with a ping.
func NewRedisLock(ctx context.Context, redisURL, key string, ttl time.Duration, logger *zap.Logger) (*RedisLock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLock{rdb: rdb, key: key, ttl: ttl, logger: logger}, nil
}

// TryAcquire never waits. ok is false while another holder has the key.
func (l *RedisLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The tick's ctx may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("release sweep lock failed", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}

func (l *RedisLock) Close() error {
	return l.rdb.Close()
}
