package models

import (
	"strings"

	dErrors "turnstile/pkg/domain-errors"
)

// Scope names the kind of thing a counter tracks.
type Scope string

const (
	ScopeHTTPIP           Scope = "http-ip"
	ScopeWSConnect        Scope = "ws-connect"
	ScopeWSMessage        Scope = "ws-message"
	ScopeGraphQLOperation Scope = "graphql-operation"

	fieldScopePrefix = "graphql-field:"
)

// ScopeGraphQLFieldDefault is the policy key applied to expensive fields that
// have no field-specific policy.
const ScopeGraphQLFieldDefault Scope = fieldScopePrefix + "*"

// FieldScope returns the scope for a single expensive GraphQL field.
func FieldScope(field string) Scope {
	return Scope(fieldScopePrefix + field)
}

// IsField reports whether s is a per-field GraphQL scope.
func (s Scope) IsField() bool {
	return strings.HasPrefix(string(s), fieldScopePrefix) && len(s) > len(fieldScopePrefix)
}

// Field returns the field name of a per-field scope, or "".
func (s Scope) Field() string {
	if !s.IsField() {
		return ""
	}
	return strings.TrimPrefix(string(s), fieldScopePrefix)
}

// IsValid reports whether s is one of the known scopes.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeHTTPIP, ScopeWSConnect, ScopeWSMessage, ScopeGraphQLOperation:
		return true
	}
	return s.IsField()
}

func (s Scope) String() string {
	return string(s)
}

// ParseScope validates a scope name.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.TrimSpace(raw))
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "scope cannot be empty")
	}
	if !s.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown scope: "+raw)
	}
	return s, nil
}

// FailMode decides the verdict when the counter store cannot answer.
type FailMode int

const (
	// FailOpen admits the unit of work; used for safe, idempotent operations.
	FailOpen FailMode = iota
	// FailClosed rejects the unit of work; used for state-changing operations.
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// FailModeForMethod maps an HTTP method to its fail mode.
func FailModeForMethod(method string) FailMode {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return FailOpen
	default:
		return FailClosed
	}
}
