package models

import (
	"strings"
	"time"

	dErrors "turnstile/pkg/domain-errors"
)

// IPPolicyRequest is the body of POST /admin/rate-limit/ip-policy.
type IPPolicyRequest struct {
	IP        string     `json:"ip"`
	Action    string     `json:"action"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (r *IPPolicyRequest) Normalize() {
	if r == nil {
		return
	}
	r.IP = strings.TrimSpace(r.IP)
	r.Action = strings.TrimSpace(strings.ToLower(r.Action))
	r.Reason = strings.TrimSpace(r.Reason)
}

// Follows validation order: Size -> Required -> Syntax -> Semantic.
func (r *IPPolicyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}

	// Phase 1: Size checks
	if len(r.IP) > 64 {
		return dErrors.New(dErrors.CodeValidation, "ip must be 64 characters or less")
	}
	if len(r.Reason) > 500 {
		return dErrors.New(dErrors.CodeValidation, "reason must be 500 characters or less")
	}

	// Phase 2: Required fields
	if r.IP == "" {
		return dErrors.New(dErrors.CodeValidation, "ip is required")
	}

	// Phase 3: Syntax validation
	action, err := ParseAdminAction(r.Action)
	if err != nil {
		return err
	}
	if _, err := NormalizeIP(r.IP); err != nil {
		return dErrors.New(dErrors.CodeValidation, "ip must be a valid IPv4 or IPv6 address")
	}

	// Phase 4: Semantic validation
	if action != AdminActionUnblock && r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(time.Now()) {
		return dErrors.New(dErrors.CodeValidation, "expiresAt must be in the future")
	}
	return nil
}

// ParsedAction returns the validated action. Call after Validate.
func (r *IPPolicyRequest) ParsedAction() AdminAction {
	return AdminAction(r.Action)
}
