package ippolicy

import (
	"context"
	"sort"
	"sync"
	"time"

	"turnstile/internal/ratelimit/models"
)

// InMemoryBackend keeps IP policy entries in process memory.
type InMemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*models.IPPolicyEntry
}

// NewInMemoryBackend creates an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{entries: make(map[string]*models.IPPolicyEntry)}
}

func (b *InMemoryBackend) Get(_ context.Context, ip string) (*models.IPPolicyEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[ip]
	if !ok {
		return nil, nil
	}
	copied := *e
	return &copied, nil
}

func (b *InMemoryBackend) Put(_ context.Context, entry *models.IPPolicyEntry) error {
	copied := *entry
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.IP] = &copied
	return nil
}

func (b *InMemoryBackend) Delete(_ context.Context, ip string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[ip]
	delete(b.entries, ip)
	return ok, nil
}

func (b *InMemoryBackend) List(_ context.Context, now time.Time) ([]*models.IPPolicyEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*models.IPPolicyEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.IsExpired(now) {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	sortEntries(out)
	return out, nil
}

func (b *InMemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for ip, e := range b.entries {
		if e.IsExpired(now) {
			delete(b.entries, ip)
			removed++
		}
	}
	return removed, nil
}

// sortEntries orders newest first, ties broken by IP for stable output.
func sortEntries(entries []*models.IPPolicyEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].IP < entries[j].IP
	})
}
