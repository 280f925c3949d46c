package resolver

import (
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"turnstile/internal/ratelimit/models"
)

// DefaultMaxComplexity is used when no ceiling is configured.
const DefaultMaxComplexity = 1000

// ParseError is returned when a document cannot be parsed or the requested
// operation is not in it.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return "graphql parse failed: " + e.Message
}

// ComplexityError is returned when a document's static complexity is over the
// ceiling. No counter is touched for such a document. Complexity is the count
// reached when the walk stopped, which may be below the document total.
type ComplexityError struct {
	Complexity int
	Max        int
}

func (e *ComplexityError) Error() string {
	return fmt.Sprintf("query complexity %d exceeds maximum %d", e.Complexity, e.Max)
}

// GraphQLConfig tunes the complexity walker.
type GraphQLConfig struct {
	// MaxComplexity is the highest admitted static complexity.
	MaxComplexity int
	// FieldWeights overrides the default weight of 1 per field name.
	FieldWeights map[string]int
	// ExpensiveFields get their own per-field limiter scope.
	ExpensiveFields []string
}

// GraphQL resolves operations into an operation check plus one check per
// distinct expensive field reachable from the selection set.
type GraphQL struct {
	maxComplexity int
	weights       map[string]int
	expensive     map[string]struct{}
}

// NewGraphQL creates a GraphQL resolver.
func NewGraphQL(cfg GraphQLConfig) *GraphQL {
	g := &GraphQL{
		maxComplexity: cfg.MaxComplexity,
		weights:       make(map[string]int, len(cfg.FieldWeights)),
		expensive:     make(map[string]struct{}, len(cfg.ExpensiveFields)),
	}
	if g.maxComplexity <= 0 {
		g.maxComplexity = DefaultMaxComplexity
	}
	for name, w := range cfg.FieldWeights {
		g.weights[name] = w
	}
	for _, name := range cfg.ExpensiveFields {
		g.expensive[name] = struct{}{}
	}
	return g
}

// Scopes lists every scope this resolver can emit.
func (g *GraphQL) Scopes() []models.Scope {
	scopes := []models.Scope{models.ScopeGraphQLOperation}
	for _, name := range g.ExpensiveFields() {
		scopes = append(scopes, models.FieldScope(name))
	}
	return scopes
}

// ExpensiveFields returns the configured expensive field names, sorted.
func (g *GraphQL) ExpensiveFields() []string {
	names := make([]string, 0, len(g.expensive))
	for name := range g.expensive {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsExpensive reports whether field has its own limiter scope.
func (g *GraphQL) IsExpensive(field string) bool {
	_, ok := g.expensive[field]
	return ok
}

// Plan is the resolved view of one GraphQL request.
type Plan struct {
	Operation  ast.Operation
	Name       string
	Complexity int
	// Fields lists the distinct expensive fields reachable, in first-seen order.
	Fields []string
	Checks []models.Check
}

// Resolve parses query, selects operationName and computes the plan for
// identity. Queries fail open; mutations and subscriptions fail closed.
func (g *GraphQL) Resolve(query, operationName, identity string) (*Plan, error) {
	doc, gqlErr := parser.ParseQuery(&ast.Source{Input: query})
	if gqlErr != nil {
		return nil, &ParseError{Message: gqlErr.Error()}
	}

	op := doc.Operations.ForName(operationName)
	if op == nil {
		if operationName == "" {
			return nil, &ParseError{Message: "operation name is required when the document has several operations"}
		}
		return nil, &ParseError{Message: fmt.Sprintf("operation %q not found", operationName)}
	}

	w := newWalker(g, doc)
	complexity := w.cost(op.SelectionSet)
	if complexity > g.maxComplexity {
		return nil, &ComplexityError{Complexity: complexity, Max: g.maxComplexity}
	}

	mode := models.FailOpen
	if op.Operation != ast.Query {
		mode = models.FailClosed
	}

	checks := make([]models.Check, 0, 1+len(w.fields))
	checks = append(checks, models.Check{
		Scope:    models.ScopeGraphQLOperation,
		Identity: identity,
		Cost:     1,
		FailMode: mode,
	})
	for _, field := range w.fields {
		checks = append(checks, models.Check{
			Scope:    models.FieldScope(field),
			Identity: identity,
			Cost:     1,
			FailMode: mode,
		})
	}

	return &Plan{
		Operation:  op.Operation,
		Name:       op.Name,
		Complexity: complexity,
		Fields:     w.fields,
		Checks:     checks,
	}, nil
}

// FieldCheck returns the check for a single expensive field resolved at
// execution time, or false when the field is not expensive.
func (g *GraphQL) FieldCheck(field, identity string, mode models.FailMode) (models.Check, bool) {
	if !g.IsExpensive(field) {
		return models.Check{}, false
	}
	return models.Check{
		Scope:    models.FieldScope(field),
		Identity: identity,
		Cost:     1,
		FailMode: mode,
	}, true
}

func (g *GraphQL) weight(field string) int {
	if w, ok := g.weights[field]; ok {
		return w
	}
	if field == "__typename" {
		return 0
	}
	return 1
}

// walker sums static complexity. Each fragment is costed once and reused at
// every spread, and the walk stops as soon as the ceiling is passed, so the
// work is bounded by the document size.
type walker struct {
	g         *GraphQL
	doc       *ast.QueryDocument
	fields    []string
	seen      map[string]struct{}
	active    map[string]bool // fragments on the current path
	fragments map[string]int  // cost of each fragment already walked
}

func newWalker(g *GraphQL, doc *ast.QueryDocument) *walker {
	return &walker{
		g:         g,
		doc:       doc,
		seen:      map[string]struct{}{},
		active:    map[string]bool{},
		fragments: map[string]int{},
	}
}

// cost returns the complexity of set. Once the ceiling is passed it returns the
// partial sum, which stays below twice the ceiling.
func (w *walker) cost(set ast.SelectionSet) int {
	limit := w.g.maxComplexity
	total := 0
	for _, sel := range set {
		var c int
		switch s := sel.(type) {
		case *ast.Field:
			if w.g.IsExpensive(s.Name) {
				if _, dup := w.seen[s.Name]; !dup {
					w.seen[s.Name] = struct{}{}
					w.fields = append(w.fields, s.Name)
				}
			}
			c = w.g.weight(s.Name) + w.cost(s.SelectionSet)
		case *ast.InlineFragment:
			c = w.cost(s.SelectionSet)
		case *ast.FragmentSpread:
			c = w.spread(s.Name)
		}
		total += c
		if total > limit {
			return total
		}
	}
	return total
}

func (w *walker) spread(name string) int {
	if c, ok := w.fragments[name]; ok {
		return c
	}
	// A cyclic spread is invalid GraphQL; stop rather than recurse forever.
	if w.active[name] {
		return 0
	}
	frag := w.doc.Fragments.ForName(name)
	if frag == nil {
		return 0
	}
	w.active[name] = true
	c := w.cost(frag.SelectionSet)
	w.active[name] = false
	w.fragments[name] = c
	return c
}
