package models

import (
	"net/netip"
	"strings"
	"time"

	dErrors "turnstile/pkg/domain-errors"
)

// PolicyState is the operator decision recorded for an IP.
type PolicyState string

const (
	PolicyStateBlocked PolicyState = "blocked"
	PolicyStateAllowed PolicyState = "allowed"
)

func (s PolicyState) IsValid() bool {
	return s == PolicyStateBlocked || s == PolicyStateAllowed
}

// IPPolicyEntry is an operator or classifier decision about one IP.
type IPPolicyEntry struct {
	IP        string      `json:"ip"`
	State     PolicyState `json:"state"`
	Reason    string      `json:"reason"`
	SetBy     string      `json:"set_by"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// NewIPPolicyEntry creates an entry with domain invariant validation.
func NewIPPolicyEntry(ip string, state PolicyState, reason, setBy string, now time.Time, expiresAt *time.Time) (*IPPolicyEntry, error) {
	normalized, err := NormalizeIP(ip)
	if err != nil {
		return nil, err
	}
	if !state.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid ip policy state")
	}
	if setBy == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "set_by cannot be empty")
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "expires_at must be after created_at")
	}
	return &IPPolicyEntry{
		IP:        normalized,
		State:     state,
		Reason:    reason,
		SetBy:     setBy,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// IsExpired reports whether the entry no longer applies at now.
func (e *IPPolicyEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// IsBlocked reports whether the entry blocks its IP at now.
func (e *IPPolicyEntry) IsBlocked(now time.Time) bool {
	return e != nil && e.State == PolicyStateBlocked && !e.IsExpired(now)
}

// IsAllowed reports whether the entry exempts its IP from counters at now.
func (e *IPPolicyEntry) IsAllowed(now time.Time) bool {
	return e != nil && e.State == PolicyStateAllowed && !e.IsExpired(now)
}

// NormalizeIP parses ip and returns its canonical text form.
func NormalizeIP(ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "ip cannot be empty")
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid ip address: "+ip)
	}
	return addr.Unmap().String(), nil
}

// AdminAction is the closed set of operator mutations on an IP.
type AdminAction string

const (
	AdminActionBlock   AdminAction = "block"
	AdminActionUnblock AdminAction = "unblock"
	AdminActionAllow   AdminAction = "allow"
)

// ParseAdminAction rejects anything outside the closed set.
func ParseAdminAction(s string) (AdminAction, error) {
	a := AdminAction(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case AdminActionBlock, AdminActionUnblock, AdminActionAllow:
		return a, nil
	case "":
		return "", dErrors.New(dErrors.CodeValidation, "action is required")
	}
	return "", dErrors.New(dErrors.CodeValidation, "action must be 'block', 'unblock' or 'allow'")
}

func (a AdminAction) String() string {
	return string(a)
}
