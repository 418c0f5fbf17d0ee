package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SlotLocker shared by every engine instance pointed at the
// same Redis. Locks expire after ttl so a crashed holder cannot wedge a slot.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if prefix == "" {
		prefix = "backfill:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 25 * time.Millisecond}
}

var _ SlotLocker = (*RedisLocker)(nil)

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()
	wait := r.retry
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("backfill: acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release must run even if the caller's ctx is already done.
				_ = releaseScript.Run(context.Background(), r.client, []string{redisKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < 250*time.Millisecond {
			wait *= 2
		}
	}
}
