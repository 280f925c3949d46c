package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnstile/internal/ratelimit/models"
	dErrors "turnstile/pkg/domain-errors"
)

var now = time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name      string
		filter    string
		timeRange string
		want      models.EventFilter
	}{
		{name: "defaults", want: models.EventFilter{Since: now.Add(-24 * time.Hour), Until: now}},
		{name: "all in the last hour", filter: "all", timeRange: "1h", want: models.EventFilter{Since: now.Add(-time.Hour), Until: now}},
		{name: "suspicious over a week", filter: "suspicious", timeRange: "7d", want: models.EventFilter{Since: now.Add(-7 * 24 * time.Hour), Until: now, SuspiciousOnly: true}},
		{name: "scope substring", filter: "graphql", timeRange: "24h", want: models.EventFilter{Since: now.Add(-24 * time.Hour), Until: now, ScopeContains: "graphql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilter(tt.filter, tt.timeRange, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown time range", func(t *testing.T) {
		_, err := ParseFilter("all", "30m", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func scenario() []models.Event {
	return []models.Event{
		{Identity: "1.1.1.1", Scope: models.ScopeHTTPIP, Timestamp: now},
		{Identity: "1.1.1.1", Scope: models.ScopeHTTPIP, Timestamp: now, Exceeded: true},
		{Identity: "1.1.1.1", Scope: models.ScopeHTTPIP, Timestamp: now, Exceeded: true, Suspicious: true},
		{Identity: "2.2.2.2", Scope: models.ScopeWSConnect, Timestamp: now},
		{Identity: "user-1", Scope: models.FieldScope("search"), Timestamp: now, Exceeded: true},
	}
}

func TestAggregate(t *testing.T) {
	t.Run("scenario counts", func(t *testing.T) {
		stats := Aggregate(scenario())
		assert.Equal(t, 5, stats.Total)
		assert.Equal(t, 3, stats.Exceeded)
		assert.Equal(t, 1, stats.Suspicious)
		assert.Equal(t, 3, stats.UniqueIdentities)
		assert.Equal(t, models.ScopeStats{Total: 3, Exceeded: 2, Allowed: 1}, stats.PerScope[models.ScopeHTTPIP])
		assert.Equal(t, models.ScopeStats{Total: 1, Allowed: 1}, stats.PerScope[models.ScopeWSConnect])
	})

	t.Run("idempotent", func(t *testing.T) {
		events := scenario()
		assert.Equal(t, Aggregate(events), Aggregate(events))
		assert.Equal(t, scenario(), events)
	})

	t.Run("empty", func(t *testing.T) {
		stats := Aggregate(nil)
		assert.Equal(t, 0, stats.Total)
		assert.Empty(t, stats.PerScope)
	})
}

func TestLimiterStats(t *testing.T) {
	policies, err := models.NewPolicySet(
		models.Policy{Scope: models.ScopeHTTPIP, Window: time.Minute, MaxRequests: 5, Burst: 1},
		models.Policy{Scope: models.ScopeGraphQLFieldDefault, Window: time.Minute, MaxRequests: 2},
		models.Policy{Scope: models.ScopeWSMessage, Window: 10 * time.Second, MaxRequests: 50},
	)
	require.NoError(t, err)

	out := LimiterStats(policies, Aggregate(scenario()))
	require.Len(t, out, 3)

	assert.Equal(t, models.ScopeGraphQLFieldDefault, out[0].Scope)
	assert.Equal(t, 1, out[0].Total)
	assert.InDelta(t, 1.0, out[0].DenialRate, 1e-9)

	assert.Equal(t, models.ScopeHTTPIP, out[1].Scope)
	assert.Equal(t, 3, out[1].Total)
	assert.Equal(t, 2, out[1].Exceeded)
	assert.InDelta(t, 60.0, out[1].WindowSeconds, 1e-9)
	assert.Equal(t, int64(1), out[1].Burst)

	assert.Equal(t, models.ScopeWSMessage, out[2].Scope)
	assert.Equal(t, 0, out[2].Total)
	assert.Zero(t, out[2].DenialRate)
}
