package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestInMemoryStore_Increment(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewInMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	t.Run("counts up from one", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			got, err := store.Increment(ctx, "k", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("expiry is not refreshed by later increments", func(t *testing.T) {
		clock.Advance(59 * time.Second)
		got, err := store.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got)

		clock.Advance(time.Second)
		got, err = store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Zero(t, got, "counter expires one window after creation")

		got, err = store.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})

	t.Run("increment by weight", func(t *testing.T) {
		got, err := store.IncrementBy(ctx, "w", 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got)

		_, err = store.IncrementBy(ctx, "w", 0, time.Minute)
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Increment(cctx, "k", time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestInMemoryStore_ConcurrentIncrementsAreAtomic(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 500 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(ctx, "hot", time.Minute)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)
}

func TestInMemoryStore_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewInMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	_, _ = store.Increment(ctx, "short", time.Second)
	_, _ = store.Increment(ctx, "long", time.Hour)
	clock.Advance(2 * time.Second)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, _ := store.Get(ctx, "long")
	assert.Equal(t, int64(1), got)
}
