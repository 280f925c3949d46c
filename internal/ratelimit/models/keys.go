package models

import (
	"strconv"
	"strings"
	"time"
)

// CounterKeyPrefix namespaces every counter in the shared store.
const CounterKeyPrefix = "rl"

// CounterKey identifies one counter: (scope, identity, windowId).
type CounterKey struct {
	Scope    Scope
	Identity string
	WindowID int64
}

// NewCounterKey derives the window for now under the given window length.
func NewCounterKey(scope Scope, identity string, now time.Time, window time.Duration) CounterKey {
	return CounterKey{
		Scope:    scope,
		Identity: identity,
		WindowID: WindowID(now, window),
	}
}

// WindowID returns floor(nowMs / windowMs).
func WindowID(now time.Time, window time.Duration) int64 {
	ms := window.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return now.UnixMilli() / ms
}

// WindowEnd returns the instant the given window closes.
func WindowEnd(windowID int64, window time.Duration) time.Time {
	return time.UnixMilli((windowID + 1) * window.Milliseconds())
}

// String returns the storage key. Segments are escaped so that identities
// containing ':' cannot land in another scope's bucket.
func (k CounterKey) String() string {
	var b strings.Builder
	b.WriteString(CounterKeyPrefix)
	b.WriteByte(':')
	b.WriteString(SanitizeKeySegment(string(k.Scope)))
	b.WriteByte(':')
	b.WriteString(SanitizeKeySegment(k.Identity))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(k.WindowID, 10))
	return b.String()
}

// SanitizeKeySegment escapes '_' as "__" and then ':' as "_c", which keeps the
// mapping injective.
func SanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	return s
}
