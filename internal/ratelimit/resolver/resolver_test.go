package resolver

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/vektah/gqlparser/v2/ast"

	"turnstile/internal/ratelimit/models"
)

func TestHTTPResolve(t *testing.T) {
	tests := []struct {
		method string
		want   models.FailMode
	}{
		{http.MethodGet, models.FailOpen},
		{http.MethodHead, models.FailOpen},
		{http.MethodOptions, models.FailOpen},
		{http.MethodPost, models.FailClosed},
		{http.MethodPut, models.FailClosed},
		{http.MethodPatch, models.FailClosed},
		{http.MethodDelete, models.FailClosed},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/", nil)
			r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

			checks := HTTP{}.Resolve(r)
			require.Len(t, checks, 1)
			assert.Equal(t, models.ScopeHTTPIP, checks[0].Scope)
			assert.Equal(t, "203.0.113.9", checks[0].Identity)
			assert.Equal(t, int64(1), checks[0].Cost)
			assert.Equal(t, tt.want, checks[0].FailMode)
		})
	}

	t.Run("no forwarding headers yields the unknown sentinel", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		assert.Equal(t, "unknown", HTTP{}.Resolve(r)[0].Identity)
	})
}

func TestWebSocketResolve(t *testing.T) {
	ws := NewWebSocket(100)

	t.Run("connect is keyed by ip and fails open", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("X-Real-IP", "198.51.100.4")
		checks := ws.Connect(r)
		require.Len(t, checks, 1)
		assert.Equal(t, models.ScopeWSConnect, checks[0].Scope)
		assert.Equal(t, "198.51.100.4", checks[0].Identity)
		assert.Equal(t, models.FailOpen, checks[0].FailMode)
	})

	t.Run("message is keyed by connection and fails closed", func(t *testing.T) {
		checks := ws.Message("conn-1", 250)
		require.Len(t, checks, 1)
		assert.Equal(t, models.ScopeWSMessage, checks[0].Scope)
		assert.Equal(t, "conn-1", checks[0].Identity)
		assert.Equal(t, int64(3), checks[0].Cost)
		assert.Equal(t, models.FailClosed, checks[0].FailMode)
	})

	t.Run("cost rounds up with a minimum of one", func(t *testing.T) {
		assert.Equal(t, int64(1), ws.Cost(0))
		assert.Equal(t, int64(1), ws.Cost(1))
		assert.Equal(t, int64(1), ws.Cost(100))
		assert.Equal(t, int64(2), ws.Cost(101))
	})

	t.Run("default unit", func(t *testing.T) {
		def := NewWebSocket(0)
		assert.Equal(t, int64(1), def.Cost(DefaultMessageUnitBytes))
		assert.Equal(t, int64(2), def.Cost(DefaultMessageUnitBytes+1))
	})
}

// =============================================================================
// GraphQL Resolver Test Suite
// =============================================================================
// Justification: Complexity is the only pre-execution defense against deep
// queries. Fragment expansion and expensive-field discovery decide which
// counters a request touches.

type GraphQLSuite struct {
	suite.Suite
	resolver *GraphQL
}

func TestGraphQLSuite(t *testing.T) {
	suite.Run(t, new(GraphQLSuite))
}

func (s *GraphQLSuite) SetupTest() {
	s.resolver = NewGraphQL(GraphQLConfig{
		MaxComplexity:   10,
		FieldWeights:    map[string]int{"search": 5},
		ExpensiveFields: []string{"search", "report"},
	})
}

func (s *GraphQLSuite) TestComplexity() {
	s.Run("sums default weights", func() {
		plan, err := s.resolver.Resolve(`{ user { id name } }`, "", "u1")
		s.Require().NoError(err)
		s.Equal(3, plan.Complexity)
		s.Equal(ast.Query, plan.Operation)
	})

	s.Run("typename is free", func() {
		plan, err := s.resolver.Resolve(`{ user { __typename id } }`, "", "u1")
		s.Require().NoError(err)
		s.Equal(2, plan.Complexity)
	})

	s.Run("custom weights apply", func() {
		plan, err := s.resolver.Resolve(`{ search { id } }`, "", "u1")
		s.Require().NoError(err)
		s.Equal(6, plan.Complexity)
	})

	s.Run("fragments are expanded", func() {
		q := `
			query Q { user { ...UserFields ... on User { email } } }
			fragment UserFields on User { id name }
		`
		plan, err := s.resolver.Resolve(q, "Q", "u1")
		s.Require().NoError(err)
		s.Equal(4, plan.Complexity)
	})

	s.Run("over the ceiling is rejected", func() {
		_, err := s.resolver.Resolve(`{ search { a b c d e f } }`, "", "u1")
		var cerr *ComplexityError
		s.Require().True(errors.As(err, &cerr))
		s.Equal(11, cerr.Complexity)
		s.Equal(10, cerr.Max)
	})

	s.Run("fragments spread many times are costed once", func() {
		q := `
			query Q { user { ...F ...F ...F } }
			fragment F on User { id name }
		`
		plan, err := s.resolver.Resolve(q, "Q", "u1")
		s.Require().NoError(err)
		s.Equal(7, plan.Complexity)
	})

	s.Run("doubling fragment chain is rejected quickly", func() {
		q := fragmentBomb(40)
		start := time.Now()
		_, err := s.resolver.Resolve(q, "Q", "u1")
		elapsed := time.Since(start)

		var cerr *ComplexityError
		s.Require().True(errors.As(err, &cerr))
		s.Greater(cerr.Complexity, 10)
		s.Less(cerr.Complexity, 2*10+2)
		s.Less(elapsed, time.Second)
	})
}

// fragmentBomb builds a query whose fragment Fi spreads F(i+1) twice, so the
// expanded document has 2^depth leaves.
func fragmentBomb(depth int) string {
	var b strings.Builder
	b.WriteString("query Q { ...F0 }\n")
	for i := range depth {
		fmt.Fprintf(&b, "fragment F%d on Query { ...F%d ...F%d }\n", i, i+1, i+1)
	}
	fmt.Fprintf(&b, "fragment F%d on Query { id }\n", depth)
	return b.String()
}

func (s *GraphQLSuite) TestChecks() {
	s.Run("operation check comes first then distinct expensive fields", func() {
		q := `{ report { id } a: search { id } b: search { id } }`
		resolver := NewGraphQL(GraphQLConfig{MaxComplexity: 100, ExpensiveFields: []string{"search", "report"}})
		plan, err := resolver.Resolve(q, "", "u1")
		s.Require().NoError(err)
		s.Require().Len(plan.Checks, 3)
		s.Equal(models.ScopeGraphQLOperation, plan.Checks[0].Scope)
		s.Equal(models.FieldScope("report"), plan.Checks[1].Scope)
		s.Equal(models.FieldScope("search"), plan.Checks[2].Scope)
		s.Equal([]string{"report", "search"}, plan.Fields)
		for _, c := range plan.Checks {
			s.Equal("u1", c.Identity)
			s.Equal(models.FailOpen, c.FailMode)
		}
	})

	s.Run("mutations fail closed", func() {
		plan, err := s.resolver.Resolve(`mutation { update { id } }`, "", "u1")
		s.Require().NoError(err)
		s.Equal(ast.Mutation, plan.Operation)
		s.Equal(models.FailClosed, plan.Checks[0].FailMode)
	})

	s.Run("expensive field inside a fragment is found", func() {
		q := `query { ...F } fragment F on Query { report { id } }`
		plan, err := s.resolver.Resolve(q, "", "u1")
		s.Require().NoError(err)
		s.Equal([]string{"report"}, plan.Fields)
	})

	s.Run("field check only for expensive fields", func() {
		check, ok := s.resolver.FieldCheck("report", "u1", models.FailOpen)
		s.True(ok)
		s.Equal(models.FieldScope("report"), check.Scope)

		_, ok = s.resolver.FieldCheck("id", "u1", models.FailOpen)
		s.False(ok)
	})
}

func (s *GraphQLSuite) TestParseErrors() {
	s.Run("syntax error", func() {
		_, err := s.resolver.Resolve(`{ user { `, "", "u1")
		var perr *ParseError
		s.True(errors.As(err, &perr))
	})

	s.Run("unknown operation name", func() {
		_, err := s.resolver.Resolve(`query A { id }`, "B", "u1")
		var perr *ParseError
		s.True(errors.As(err, &perr))
	})

	s.Run("ambiguous anonymous selection", func() {
		_, err := s.resolver.Resolve(`query A { id } query B { id }`, "", "u1")
		var perr *ParseError
		s.True(errors.As(err, &perr))
	})
}

func (s *GraphQLSuite) TestScopes() {
	s.Equal([]models.Scope{
		models.ScopeGraphQLOperation,
		models.FieldScope("report"),
		models.FieldScope("search"),
	}, s.resolver.Scopes())
}
