package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "turnstile/pkg/domain-errors"
)

// incrementScript adds ARGV[1] and sets the expiry only when this call created
// the key. A key left without a TTL by an interrupted write gets one, but an
// existing TTL is never refreshed.
var incrementScript = redis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
if count == tonumber(ARGV[1]) or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return count
`)

// RedisStore implements ports.CounterStore on a shared Redis.
type RedisStore struct {
	client Client
}

// Client is the subset of go-redis used by RedisStore.
type Client interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
}

// NewRedisStore wraps a go-redis client (or cluster/ring client).
func NewRedisStore(client Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment adds one to key.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.IncrementBy(ctx, key, 1, window)
}

// IncrementBy adds n to key atomically via a server-side script.
func (s *RedisStore) IncrementBy(ctx context.Context, key string, n int64, window time.Duration) (int64, error) {
	if n < 1 {
		return 0, fmt.Errorf("increment must be positive, got %d", n)
	}
	ttl := window.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	count, err := incrementScript.Run(ctx, s.client, []string{key}, n, ttl).Int64()
	if err != nil {
		return 0, unavailable(err, "increment counter")
	}
	return count, nil
}

// Get returns the current count for key.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err, "read counter")
	}
	return count, nil
}

func unavailable(err error, op string) error {
	return dErrors.Wrap(fmt.Errorf("%s: %w", op, err), dErrors.CodeStoreUnavailable, "counter store unavailable")
}
