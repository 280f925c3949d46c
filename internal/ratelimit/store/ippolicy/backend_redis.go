package ippolicy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"turnstile/internal/ratelimit/models"
)

const (
	redisEntryPrefix = "ippolicy:entry:"
	redisIndexKey    = "ippolicy:index"
)

// RedisBackend stores each entry as a hash and tracks IPs in a set. Entries
// with an expiry carry a matching key TTL so Redis drops them on its own; the
// index is reconciled lazily.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps a go-redis client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func entryKey(ip string) string {
	return redisEntryPrefix + models.SanitizeKeySegment(ip)
}

func (b *RedisBackend) Get(ctx context.Context, ip string) (*models.IPPolicyEntry, error) {
	fields, err := b.client.HGetAll(ctx, entryKey(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("get ip policy: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeEntry(fields)
}

func (b *RedisBackend) Put(ctx context.Context, entry *models.IPPolicyEntry) error {
	key := entryKey(entry.IP)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeEntry(entry))
		if entry.ExpiresAt != nil {
			pipe.PExpireAt(ctx, key, *entry.ExpiresAt)
		}
		pipe.SAdd(ctx, redisIndexKey, entry.IP)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put ip policy: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, ip string) (bool, error) {
	var del *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, entryKey(ip))
		pipe.SRem(ctx, redisIndexKey, ip)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete ip policy: %w", err)
	}
	return del.Val() > 0, nil
}

func (b *RedisBackend) List(ctx context.Context, now time.Time) ([]*models.IPPolicyEntry, error) {
	ips, err := b.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list ip policy index: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ips))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, ip := range ips {
			cmds[i] = pipe.HGetAll(ctx, entryKey(ip))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list ip policies: %w", err)
	}

	out := make([]*models.IPPolicyEntry, 0, len(ips))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeEntry(fields)
		if err != nil {
			return nil, err
		}
		if !e.IsExpired(now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// DeleteExpired removes index members whose hash is gone or expired.
func (b *RedisBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ips, err := b.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("scan ip policy index: %w", err)
	}

	removed := 0
	for _, ip := range ips {
		e, err := b.Get(ctx, ip)
		if err != nil {
			return removed, err
		}
		if e != nil && !e.IsExpired(now) {
			continue
		}
		if _, err := b.Delete(ctx, ip); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func encodeEntry(e *models.IPPolicyEntry) map[string]any {
	fields := map[string]any{
		"ip":         e.IP,
		"state":      string(e.State),
		"reason":     e.Reason,
		"set_by":     e.SetBy,
		"created_at": e.CreatedAt.UnixMilli(),
	}
	if e.ExpiresAt != nil {
		fields["expires_at"] = e.ExpiresAt.UnixMilli()
	}
	return fields
}

func decodeEntry(fields map[string]string) (*models.IPPolicyEntry, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode ip policy created_at: %w", err)
	}
	e := &models.IPPolicyEntry{
		IP:        fields["ip"],
		State:     models.PolicyState(fields["state"]),
		Reason:    fields["reason"],
		SetBy:     fields["set_by"],
		CreatedAt: time.UnixMilli(created).UTC(),
	}
	if raw, ok := fields["expires_at"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode ip policy expires_at: %w", err)
		}
		exp := time.UnixMilli(ms).UTC()
		e.ExpiresAt = &exp
	}
	return e, nil
}
