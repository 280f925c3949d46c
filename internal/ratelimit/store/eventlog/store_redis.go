package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"turnstile/internal/ratelimit/models"
)

const (
	redisLogKey            = "events:log"
	redisIdentityKeyPrefix = "events:identity:"

	// defaultPageSize is the smallest page read when a filter can reject members.
	defaultPageSize = 500
)

// RedisStore keeps events in a sorted set scored by timestamp (milliseconds),
// plus a per-identity sorted set so the classifier never scans the full log.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	maxEvents int
	pageSize  int
}

// NewRedisStore creates a Redis-backed event log. Query results are capped at
// maxEvents when the filter has no limit.
func NewRedisStore(client redis.UniversalClient, retention time.Duration, maxEvents int) *RedisStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &RedisStore{client: client, retention: retention, maxEvents: maxEvents, pageSize: defaultPageSize}
}

func identityKey(identity string) string {
	return redisIdentityKeyPrefix + models.SanitizeKeySegment(identity)
}

func (s *RedisStore) Record(ctx context.Context, event models.Event) error {
	member, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	score := float64(event.Timestamp.UnixMilli())
	z := redis.Z{Score: score, Member: member}
	idKey := identityKey(event.Identity)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisLogKey, z)
		pipe.ZAdd(ctx, idKey, z)
		if s.retention > 0 {
			cutoff := event.Timestamp.Add(-s.retention).UnixMilli()
			pipe.ZRemRangeByScore(ctx, idKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
			pipe.PExpire(ctx, idKey, s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Query pages through the log newest first and stops once limit events
// match. A filter on time alone is answered with a single page of limit members.
func (s *RedisStore) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = s.maxEvents
	}
	pageSize := limit
	if filter.SuspiciousOnly || filter.ScopeContains != "" {
		pageSize = max(limit, s.pageSize)
	}

	out := make([]models.Event, 0, min(limit, s.pageSize))
	// Events recorded while paging shift older members down; skip repeats.
	seen := make(map[string]struct{})
	by := scoreRange(filter.Since, filter.Until, pageSize)
	for {
		members, err := s.client.ZRevRangeByScore(ctx, redisLogKey, by).Result()
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		for _, raw := range members {
			e, err := decode(raw)
			if err != nil {
				return nil, err
			}
			if e.ID != "" {
				if _, dup := seen[e.ID]; dup {
					continue
				}
				seen[e.ID] = struct{}{}
			}
			if !filter.Matches(e) {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(members) < pageSize {
			return out, nil
		}
		by.Offset += int64(pageSize)
	}
}

func (s *RedisStore) ForIdentity(ctx context.Context, identity string, since time.Time, limit int) ([]models.Event, error) {
	members, err := s.client.ZRevRangeByScore(ctx, identityKey(identity), scoreRange(since, time.Time{}, limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("query identity events: %w", err)
	}
	out := make([]models.Event, 0, len(members))
	for _, raw := range members {
		e, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, redisLogKey, "-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return int(n), nil
}

func scoreRange(since, until time.Time, limit int) *redis.ZRangeBy {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !since.IsZero() {
		by.Min = strconv.FormatInt(since.UnixMilli(), 10)
	}
	if !until.IsZero() {
		by.Max = strconv.FormatInt(until.UnixMilli(), 10)
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return by
}

func decode(raw string) (models.Event, error) {
	var e models.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return models.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
