package models

// RateLimitExceededResponse is the 429 body.
type RateLimitExceededResponse struct {
	Error      string `json:"error"` // "rate_limit_exceeded"
	Message    string `json:"message"`
	Scope      Scope  `json:"scope"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// ForbiddenResponse is the 403 body for blocked IPs.
type ForbiddenResponse struct {
	Error string `json:"error"` // "forbidden"
}

// ScopeStats is the per-scope slice of Stats.
type ScopeStats struct {
	Total    int `json:"total"`
	Exceeded int `json:"exceeded"`
	Allowed  int `json:"allowed"`
}

// Stats is the on-read aggregation over a list of events.
type Stats struct {
	Total            int                  `json:"total"`
	Exceeded         int                  `json:"exceeded"`
	Suspicious       int                  `json:"suspicious"`
	UniqueIdentities int                  `json:"uniqueIdentities"`
	PerScope         map[Scope]ScopeStats `json:"perScope"`
}

// LimiterStat pairs a configured policy with what the log saw for its scope.
type LimiterStat struct {
	Scope         Scope   `json:"scope"`
	WindowSeconds float64 `json:"windowSeconds"`
	MaxRequests   int64   `json:"maxRequests"`
	Burst         int64   `json:"burst"`
	Total         int     `json:"total"`
	Exceeded      int     `json:"exceeded"`
	DenialRate    float64 `json:"denialRate"`
}

// EventsResponse is the body of GET /admin/rate-limit/events.
type EventsResponse struct {
	Events       []Event       `json:"events"`
	Stats        Stats         `json:"stats"`
	LimiterStats []LimiterStat `json:"limiterStats"`
}

// IPPolicyResponse acknowledges an admin mutation.
type IPPolicyResponse struct {
	IP     string         `json:"ip"`
	Action AdminAction    `json:"action"`
	Entry  *IPPolicyEntry `json:"entry,omitempty"`
}

// IPPolicyListResponse is the body of GET /admin/rate-limit/ip-policy.
type IPPolicyListResponse struct {
	Entries []*IPPolicyEntry `json:"entries"`
}
