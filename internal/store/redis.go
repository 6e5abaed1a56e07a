package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis holds the shared client used by the rate limiter and the
// verification queue.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds a client for addr with short IO timeouts. Blocking
// queue reads set their own read timeout per command.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
	return &Redis{Client: client}
}

// Healthy reports whether redis answers PING.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
