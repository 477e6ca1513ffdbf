// Package redislock provides a Redis-backed lock so several processes can
// share one vault backend without racing on listings or chunk counters.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder keeps a lock. A live
	// holder renews its lease every third of the TTL.
	DefaultTTL = 30 * time.Second

	// DefaultRetryInterval is the polling interval while waiting
	DefaultRetryInterval = 20 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the lease only when the key still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config configures a Locker
type Config struct {
	// RedisURL is a standard connection string:
	// redis://<user>:<password>@<host>:<port>/<db>
	RedisURL      string
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
}

// Locker hands out per-key mutual exclusion through SET NX
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// New connects to Redis and fails fast when it is unreachable
func New(ctx context.Context, cfg Config) (*Locker, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, cfg Config) *Locker {
	l := &Locker{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		retry:  cfg.RetryInterval,
	}
	if l.prefix == "" {
		l.prefix = "vaultfs:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTL
	}
	if l.retry <= 0 {
		l.retry = DefaultRetryInterval
	}
	return l
}

// Lock blocks until key is acquired or ctx is done. The returned func
// releases the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	rkey := l.prefix + key

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(rkey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// The lock TTL covers a failed release
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			releaseScript.Run(rctx, l.client, []string{rkey}, token)
		})
	}, nil
}

// renew extends the lease on rkey until stop is closed. It gives up once
// the key no longer holds token, which means the lease already lapsed.
func (l *Locker) renew(rkey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := extendScript.Run(ctx, l.client, []string{rkey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}

// Close closes the Redis client
func (l *Locker) Close() error {
	return l.client.Close()
}
