package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRedisPrefix = "slotlock:"
	defaultRetryEvery  = 25 * time.Millisecond
)

// unlockScript deletes the key only if it still carries our token, so a lock
// that expired and was re-acquired by another instance is never released.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a Locker backed by SET NX PX with a random token per holder.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
	log    zerolog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithPrefix overrides the key namespace.
func WithPrefix(p string) RedisOption {
	return func(l *RedisLocker) {
		if p != "" {
			l.prefix = p
		}
	}
}

// WithRetryInterval overrides how often a contended lock is polled.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can keep a key locked and must exceed the longest critical section.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    ttl,
		retry:  defaultRetryEvery,
		prefix: defaultRedisPrefix,
		log:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %s: %w", redisKey, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.log.Warn().Err(err).Str("key", redisKey).Msg("redis lock release failed; key will expire by ttl")
			}
		})
	}
}
