package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	dErrors "turnstile/pkg/domain-errors"
)

// =============================================================================
// Redis Counter Store Test Suite
// =============================================================================
// Justification: The Lua script is the only thing keeping increments atomic
// and TTLs fixed across instances.

type RedisStoreSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *RedisStore
	ctx    context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.store = NewRedisStore(s.client)
	s.ctx = context.Background()
}

func (s *RedisStoreSuite) TearDownTest() {
	_ = s.client.Close()
}

func (s *RedisStoreSuite) TestIncrementSetsTTLOnce() {
	count, err := s.store.Increment(s.ctx, "rl:http-ip:1.2.3.4:1", time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
	s.Equal(time.Minute, s.mr.TTL("rl:http-ip:1.2.3.4:1"))

	s.mr.FastForward(30 * time.Second)
	count, err = s.store.Increment(s.ctx, "rl:http-ip:1.2.3.4:1", time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(2), count)
	s.Equal(30*time.Second, s.mr.TTL("rl:http-ip:1.2.3.4:1"), "ttl must not be refreshed")

	s.mr.FastForward(30 * time.Second)
	s.False(s.mr.Exists("rl:http-ip:1.2.3.4:1"))
}

func (s *RedisStoreSuite) TestIncrementByAndGet() {
	count, err := s.store.IncrementBy(s.ctx, "w", 4, time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(4), count)

	got, err := s.store.Get(s.ctx, "w")
	s.Require().NoError(err)
	s.Equal(int64(4), got)

	got, err = s.store.Get(s.ctx, "missing")
	s.Require().NoError(err)
	s.Zero(got)
}

func (s *RedisStoreSuite) TestRepairsKeyWithoutTTL() {
	s.Require().NoError(s.mr.Set("orphan", "3"))

	count, err := s.store.Increment(s.ctx, "orphan", time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(4), count)
	s.Equal(time.Minute, s.mr.TTL("orphan"))
}

func (s *RedisStoreSuite) TestConcurrentIncrements() {
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.store.Increment(s.ctx, "hot", time.Minute)
		}()
	}
	wg.Wait()

	got, err := s.store.Get(s.ctx, "hot")
	s.Require().NoError(err)
	s.Equal(int64(100), got)
}

func (s *RedisStoreSuite) TestUnavailable() {
	s.mr.Close()

	_, err := s.store.Increment(s.ctx, "k", time.Minute)
	s.True(dErrors.HasCode(err, dErrors.CodeStoreUnavailable))

	_, err = s.store.Get(s.ctx, "k")
	s.True(dErrors.HasCode(err, dErrors.CodeStoreUnavailable))
}
