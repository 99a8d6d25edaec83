package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AdmissionLimiter gates task submission ahead of the bounded worker queue,
// so a misconfigured high-throughput caller fails fast with
// BackpressureError instead of only relying on the queue's own bounded
// wait. The default is a no-op; RedisAdmissionLimiter backs a shared rate
// limit across multiple coordinator instances.
type AdmissionLimiter interface {
	// Allow reports whether a new submission may proceed right now.
	Allow(ctx context.Context) (bool, error)
}

type noopLimiter struct{}

func (noopLimiter) Allow(ctx context.Context) (bool, error) { return true, nil }

// NoopLimiter never rejects a submission; backpressure is enforced purely
// by the bounded-wait admission on the worker queue.
func NoopLimiter() AdmissionLimiter { return noopLimiter{} }

// RedisAdmissionLimiter implements a fixed-window counter over Redis so
// multiple coordinator instances sharing one Redis deployment agree on a
// combined submission rate, per SPEC_FULL.md's domain-stack section.
type RedisAdmissionLimiter struct {
	client       *redis.Client
	keyPrefix    string
	maxPerWindow int64
	window       time.Duration
}

// NewRedisAdmissionLimiter constructs a RedisAdmissionLimiter. maxPerWindow
// submissions are allowed per window across all coordinator instances
// sharing addr.
func NewRedisAdmissionLimiter(addr, keyPrefix string, maxPerWindow int64, window time.Duration) *RedisAdmissionLimiter {
	return &RedisAdmissionLimiter{
		client:       redis.NewClient(&redis.Options{Addr: addr}),
		keyPrefix:    keyPrefix,
		maxPerWindow: maxPerWindow,
		window:       window,
	}
}

func (l *RedisAdmissionLimiter) Allow(ctx context.Context) (bool, error) {
	bucket := time.Now().UnixNano() / l.window.Nanoseconds()
	key := fmt.Sprintf("%s:admission:%d", l.keyPrefix, bucket)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		l.client.Expire(ctx, key, l.window)
	}

	return count <= l.maxPerWindow, nil
}

// Close releases the underlying Redis client.
func (l *RedisAdmissionLimiter) Close() error {
	return l.client.Close()
}
