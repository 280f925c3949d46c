// Package classifier flags identities whose recent verdicts look like abuse
// and hands threshold crossings to an Escalator.
package classifier

import (
	"sort"
	"time"

	"turnstile/internal/ratelimit/config"
	"turnstile/internal/ratelimit/models"
)

// Classify computes the suspicion of identity from events. Only events inside
// the trailing window count: the newest cfg.MaxEvents events, further limited
// to those no older than cfg.Window before now. An identity is suspicious when
// denied/total > cfg.DenyRatio and total >= cfg.MinSamples.
//
// Classify has no side effects and does not modify events.
func Classify(identity string, events []models.Event, now time.Time, cfg config.ClassifierConfig) models.Suspicion {
	windowStart := now.Add(-cfg.Window)

	trailing := make([]models.Event, 0, len(events))
	for _, e := range events {
		if e.Identity != identity {
			continue
		}
		if cfg.Window > 0 && e.Timestamp.Before(windowStart) {
			continue
		}
		if e.Timestamp.After(now) {
			continue
		}
		trailing = append(trailing, e)
	}
	sort.SliceStable(trailing, func(i, j int) bool {
		return trailing[i].Timestamp.After(trailing[j].Timestamp)
	})
	if cfg.MaxEvents > 0 && len(trailing) > cfg.MaxEvents {
		trailing = trailing[:cfg.MaxEvents]
		windowStart = trailing[len(trailing)-1].Timestamp
	}

	s := models.Suspicion{
		Identity:    identity,
		TotalCount:  len(trailing),
		WindowStart: windowStart,
	}
	for _, e := range trailing {
		if e.Exceeded {
			s.DeniedCount++
		}
	}
	s.Suspicious = s.TotalCount >= cfg.MinSamples && s.DenialRatio() > cfg.DenyRatio
	return s
}
