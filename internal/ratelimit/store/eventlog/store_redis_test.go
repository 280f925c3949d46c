package eventlog

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"turnstile/internal/ratelimit/models"
)

// =============================================================================
// Redis Event Log Paging Test Suite
// =============================================================================
// Justification: The admin dashboard queries a log that can hold millions of
// events. Tests verify Query reads only as many members as it needs and that
// filtered queries still page correctly past rejected members.

type RedisPagingSuite struct {
	suite.Suite
	store *RedisStore
	reads *rangeCounter
	ctx   context.Context
	base  time.Time
}

func TestRedisPagingSuite(t *testing.T) {
	suite.Run(t, new(RedisPagingSuite))
}

// rangeCounter counts the members returned by ZREVRANGEBYSCORE.
type rangeCounter struct {
	members int
	calls   int
}

func (c *rangeCounter) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (c *rangeCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if ss, ok := cmd.(*redis.StringSliceCmd); ok && cmd.Name() == "zrevrangebyscore" {
			c.calls++
			c.members += len(ss.Val())
		}
		return err
	}
}

func (c *rangeCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (c *rangeCounter) reset() {
	c.members, c.calls = 0, 0
}

func (s *RedisPagingSuite) SetupTest() {
	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.T().Cleanup(func() { _ = client.Close() })

	s.reads = &rangeCounter{}
	client.AddHook(s.reads)
	s.store = NewRedisStore(client, 7*24*time.Hour, 1000)
	s.ctx = context.Background()
	s.base = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	// evt-0 .. evt-49, every tenth one suspicious.
	for i := range 50 {
		s.Require().NoError(s.store.Record(s.ctx, models.Event{
			ID:         fmt.Sprintf("evt-%d", i),
			Scope:      models.ScopeHTTPIP,
			Identity:   "10.0.0.1",
			Timestamp:  s.base.Add(time.Duration(i) * time.Second),
			Suspicious: i%10 == 0,
		}))
	}
	s.reads.reset()
}

func (s *RedisPagingSuite) TestLimitReadsOnlyLimitMembers() {
	events, err := s.store.Query(s.ctx, models.EventFilter{Limit: 5})
	s.Require().NoError(err)

	s.Equal([]string{"evt-49", "evt-48", "evt-47", "evt-46", "evt-45"}, ids(events))
	s.Equal(5, s.reads.members)
	s.Equal(1, s.reads.calls)
}

func (s *RedisPagingSuite) TestFilteredQueryPagesPastRejectedMembers() {
	s.store.pageSize = 7

	events, err := s.store.Query(s.ctx, models.EventFilter{SuspiciousOnly: true, Limit: 3})
	s.Require().NoError(err)

	s.Equal([]string{"evt-40", "evt-30", "evt-20"}, ids(events))
	// evt-20 is the 30th member newest first, so the fifth page of 7 finds it.
	s.Equal(5, s.reads.calls)
	s.Equal(35, s.reads.members)
}

func (s *RedisPagingSuite) TestFilteredQueryStopsAtShortPage() {
	s.store.pageSize = 20

	events, err := s.store.Query(s.ctx, models.EventFilter{SuspiciousOnly: true, Limit: 10})
	s.Require().NoError(err)

	s.Equal([]string{"evt-40", "evt-30", "evt-20", "evt-10", "evt-0"}, ids(events))
	s.Equal(3, s.reads.calls, "pages of 20, 20 and a short page of 10")
	s.Equal(50, s.reads.members)
}
