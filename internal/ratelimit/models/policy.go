package models

import (
	"fmt"
	"time"

	dErrors "turnstile/pkg/domain-errors"
)

// Policy is the quota for one scope. Policies are resolved at startup and
// never change while the process runs.
type Policy struct {
	Scope       Scope         `json:"scope" yaml:"scope"`
	Window      time.Duration `json:"window" yaml:"window"`
	MaxRequests int64         `json:"max_requests" yaml:"max_requests"`
	Burst       int64         `json:"burst" yaml:"burst"`
}

// Ceiling is the highest count still admitted.
func (p Policy) Ceiling() int64 {
	return p.MaxRequests + p.Burst
}

// Validate checks the policy's invariants.
func (p Policy) Validate() error {
	if !p.Scope.IsValid() && p.Scope != ScopeGraphQLFieldDefault {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy has unknown scope %q", p.Scope))
	}
	if p.Window < time.Millisecond {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %s: window must be at least 1ms", p.Scope))
	}
	if p.MaxRequests <= 0 {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %s: max_requests must be positive", p.Scope))
	}
	if p.Burst < 0 {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %s: burst cannot be negative", p.Scope))
	}
	return nil
}

// PolicySet maps scopes to their policies.
type PolicySet map[Scope]Policy

// NewPolicySet validates and indexes policies. Duplicate scopes are rejected.
func NewPolicySet(policies ...Policy) (PolicySet, error) {
	set := make(PolicySet, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set[p.Scope]; dup {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("duplicate policy for scope %s", p.Scope))
		}
		set[p.Scope] = p
	}
	return set, nil
}

// Lookup returns the policy for scope. Field scopes fall back to the
// graphql-field:* default.
func (s PolicySet) Lookup(scope Scope) (Policy, error) {
	if p, ok := s[scope]; ok {
		return p, nil
	}
	if scope.IsField() {
		if p, ok := s[ScopeGraphQLFieldDefault]; ok {
			p.Scope = scope
			return p, nil
		}
	}
	return Policy{}, dErrors.New(dErrors.CodePolicyNotFound, fmt.Sprintf("no policy configured for scope %s", scope))
}

// Require returns a PolicyNotFound error for the first scope without a policy.
func (s PolicySet) Require(scopes ...Scope) error {
	for _, scope := range scopes {
		if _, err := s.Lookup(scope); err != nil {
			return err
		}
	}
	return nil
}
