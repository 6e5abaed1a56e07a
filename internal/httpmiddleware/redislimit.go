package httpmiddleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFixedWindow is a rate limiter sharing one-minute counters across instances.
type RedisFixedWindow struct {
	client *redis.Client
	limit  int
	prefix string
}

// NewRedisFixedWindow creates a limiter allowing perMinute requests per key.
func NewRedisFixedWindow(client *redis.Client, perMinute int) *RedisFixedWindow {
	return &RedisFixedWindow{client: client, limit: perMinute, prefix: "classtrack:ratelimit"}
}

// Allow implements Limiter. Keys are counted per wall-clock minute and the
// counter expires on its own. Redis errors fail open.
func (l *RedisFixedWindow) Allow(ctx context.Context, key string) bool {
	window := time.Now().Unix() / 60
	counter := fmt.Sprintf("%s:%s:%d", l.prefix, key, window)
	n, err := l.client.Incr(ctx, counter).Result()
	if err != nil {
		return true
	}
	if n == 1 {
		l.client.Expire(ctx, counter, 2*time.Minute)
	}
	return n <= int64(l.limit)
}
