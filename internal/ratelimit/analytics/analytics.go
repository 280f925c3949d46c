// Package analytics aggregates event log reads for the admin surface.
// Everything here is computed on read; nothing is stored.
package analytics

import (
	"sort"
	"strings"
	"time"

	"turnstile/internal/ratelimit/models"
	dErrors "turnstile/pkg/domain-errors"
)

// Filter keywords accepted by ParseFilter. Anything else is a scope substring.
const (
	FilterAll        = "all"
	FilterSuspicious = "suspicious"
)

var timeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// DefaultTimeRange applies when none is given.
const DefaultTimeRange = "24h"

// ParseFilter turns the admin query parameters into an EventFilter relative to now.
func ParseFilter(filter, timeRange string, now time.Time) (models.EventFilter, error) {
	f := models.EventFilter{Until: now}

	if timeRange == "" {
		timeRange = DefaultTimeRange
	}
	d, ok := timeRanges[strings.ToLower(timeRange)]
	if !ok {
		return models.EventFilter{}, dErrors.New(dErrors.CodeBadRequest, "timeRange must be one of 1h, 24h, 7d")
	}
	f.Since = now.Add(-d)

	switch v := strings.TrimSpace(filter); strings.ToLower(v) {
	case "", FilterAll:
	case FilterSuspicious:
		f.SuspiciousOnly = true
	default:
		f.ScopeContains = v
	}
	return f, nil
}

// Aggregate summarizes events. It is pure: the same input always yields the
// same Stats, and aggregating twice changes nothing.
func Aggregate(events []models.Event) models.Stats {
	stats := models.Stats{PerScope: make(map[models.Scope]models.ScopeStats)}
	identities := make(map[string]struct{})

	for _, e := range events {
		stats.Total++
		if e.Exceeded {
			stats.Exceeded++
		}
		if e.Suspicious {
			stats.Suspicious++
		}
		identities[e.Identity] = struct{}{}

		ps := stats.PerScope[e.Scope]
		ps.Total++
		if e.Exceeded {
			ps.Exceeded++
		} else {
			ps.Allowed++
		}
		stats.PerScope[e.Scope] = ps
	}
	stats.UniqueIdentities = len(identities)
	return stats
}

// LimiterStats pairs every configured policy with what stats saw for its
// scope, ordered by scope. Per-field events are attributed to their exact
// policy when one exists, otherwise to the field default.
func LimiterStats(policies models.PolicySet, stats models.Stats) []models.LimiterStat {
	byPolicy := make(map[models.Scope]models.ScopeStats, len(policies))
	for scope, ss := range stats.PerScope {
		key := scope
		if _, ok := policies[scope]; !ok && scope.IsField() {
			key = models.ScopeGraphQLFieldDefault
		}
		agg := byPolicy[key]
		agg.Total += ss.Total
		agg.Exceeded += ss.Exceeded
		agg.Allowed += ss.Allowed
		byPolicy[key] = agg
	}

	out := make([]models.LimiterStat, 0, len(policies))
	for scope, p := range policies {
		ss := byPolicy[scope]
		stat := models.LimiterStat{
			Scope:         scope,
			WindowSeconds: p.Window.Seconds(),
			MaxRequests:   p.MaxRequests,
			Burst:         p.Burst,
			Total:         ss.Total,
			Exceeded:      ss.Exceeded,
		}
		if ss.Total > 0 {
			stat.DenialRate = float64(ss.Exceeded) / float64(ss.Total)
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
