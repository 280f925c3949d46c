package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnstile/internal/platform/config"
)

func TestNew_NotConfigured(t *testing.T) {
	c, err := New(context.Background(), config.RedisConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{URL: "://nope"}, nil)
	require.Error(t, err)
}

func TestClient_HealthAndPoolStats(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := prometheus.NewRegistry()
	metrics := NewPoolMetrics(reg)

	c, err := New(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr()}, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Health(context.Background()))

	c.RecordPoolStats()
	c.RecordPoolStats()
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.totalConns), 1.0)
}
