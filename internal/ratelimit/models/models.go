package models

import (
	"strings"
	"time"
)

// Check is one (scope, identity) pair to run through the limiter.
type Check struct {
	Scope    Scope
	Identity string
	Cost     int64
	FailMode FailMode
}

// Result is the limiter's verdict for one check.
type Result struct {
	Scope      Scope     `json:"scope"`
	Identity   string    `json:"identity"`
	Allowed    bool      `json:"allowed"`
	Count      int64     `json:"count"`
	Limit      int64     `json:"limit"`
	Remaining  int64     `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// Event is one recorded verdict. Events are append-only.
type Event struct {
	ID         string            `json:"id"`
	IP         string            `json:"ip"`
	Scope      Scope             `json:"limiter_type"`
	Identity   string            `json:"identity"`
	Timestamp  time.Time         `json:"timestamp"`
	Exceeded   bool              `json:"exceeded"`
	Suspicious bool              `json:"suspicious"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EventFilter selects events from the log. Zero values match everything.
type EventFilter struct {
	ScopeContains  string
	Since          time.Time
	Until          time.Time
	SuspiciousOnly bool
	Limit          int
}

// Matches reports whether e satisfies the filter (ignoring Limit).
func (f EventFilter) Matches(e Event) bool {
	if f.SuspiciousOnly && !e.Suspicious {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.ScopeContains != "" && !strings.Contains(strings.ToLower(string(e.Scope)), strings.ToLower(f.ScopeContains)) {
		return false
	}
	return true
}

// Suspicion is the classifier's view of one identity over its trailing window.
type Suspicion struct {
	Identity    string    `json:"identity"`
	DeniedCount int       `json:"denied_count"`
	TotalCount  int       `json:"total_count"`
	WindowStart time.Time `json:"window_start"`
	Suspicious  bool      `json:"suspicious"`
}

// DenialRatio returns denied/total, or 0 with no events.
func (s Suspicion) DenialRatio() float64 {
	if s.TotalCount == 0 {
		return 0
	}
	return float64(s.DeniedCount) / float64(s.TotalCount)
}
