// Package config holds the static limiter configuration: one policy per scope,
// the GraphQL complexity ceiling, WebSocket message weighting and classifier
// thresholds. It is resolved once at startup and never mutated.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"turnstile/internal/ratelimit/models"
)

// Config holds rate limiting configuration.
type Config struct {
	Policies   []models.Policy  `yaml:"policies"`
	GraphQL    GraphQLConfig    `yaml:"graphql"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Classifier ClassifierConfig `yaml:"classifier"`
}

// GraphQLConfig tunes the static complexity walker.
type GraphQLConfig struct {
	MaxComplexity   int            `yaml:"max_complexity"`
	FieldWeights    map[string]int `yaml:"field_weights"`
	ExpensiveFields []string       `yaml:"expensive_fields"`
}

// WebSocketConfig tunes message weighting and the largest frame accepted.
type WebSocketConfig struct {
	MessageUnitBytes int   `yaml:"message_unit_bytes"`
	MaxMessageBytes  int64 `yaml:"max_message_bytes"`
}

// ClassifierConfig defines the trailing window and thresholds for suspicion.
type ClassifierConfig struct {
	MaxEvents  int           `yaml:"max_events"`  // last N events
	Window     time.Duration `yaml:"window"`      // or last duration, whichever is smaller
	MinSamples int           `yaml:"min_samples"` // total must be at least this
	DenyRatio  float64       `yaml:"deny_ratio"`  // denied/total must exceed this
}

// DefaultMaxMessageBytes caps a single inbound WebSocket message at 1 MiB.
const DefaultMaxMessageBytes = 1 << 20

// DefaultConfig returns the built-in policies used when no policy file is set.
func DefaultConfig() *Config {
	return &Config{
		Policies: []models.Policy{
			{Scope: models.ScopeHTTPIP, Window: time.Minute, MaxRequests: 100, Burst: 20},
			{Scope: models.ScopeWSConnect, Window: time.Minute, MaxRequests: 10},
			{Scope: models.ScopeWSMessage, Window: 10 * time.Second, MaxRequests: 50, Burst: 10},
			{Scope: models.ScopeGraphQLOperation, Window: time.Minute, MaxRequests: 60, Burst: 10},
			{Scope: models.ScopeGraphQLFieldDefault, Window: time.Minute, MaxRequests: 10},
		},
		GraphQL: GraphQLConfig{
			MaxComplexity: 1000,
			FieldWeights:  map[string]int{},
		},
		WebSocket: WebSocketConfig{
			MessageUnitBytes: 4096,
			MaxMessageBytes:  DefaultMaxMessageBytes,
		},
		Classifier: DefaultClassifierConfig(),
	}
}

// DefaultClassifierConfig returns last 100 events or last hour, more than half
// denied, at least five samples.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		MaxEvents:  100,
		Window:     time.Hour,
		MinSamples: 5,
		DenyRatio:  0.5,
	}
}

// Load returns DefaultConfig when path is empty, otherwise the defaults
// overlaid with the YAML file at path. Policies in the file replace the
// default policy for the same scope.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	if err := cfg.merge(raw); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) merge(raw []byte) error {
	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	byScope := make(map[models.Scope]int, len(c.Policies))
	for i, p := range c.Policies {
		byScope[p.Scope] = i
	}
	for _, p := range file.Policies {
		if i, ok := byScope[p.Scope]; ok {
			c.Policies[i] = p
			continue
		}
		byScope[p.Scope] = len(c.Policies)
		c.Policies = append(c.Policies, p)
	}

	if file.GraphQL.MaxComplexity > 0 {
		c.GraphQL.MaxComplexity = file.GraphQL.MaxComplexity
	}
	for name, w := range file.GraphQL.FieldWeights {
		c.GraphQL.FieldWeights[name] = w
	}
	if len(file.GraphQL.ExpensiveFields) > 0 {
		c.GraphQL.ExpensiveFields = file.GraphQL.ExpensiveFields
	}
	if file.WebSocket.MessageUnitBytes > 0 {
		c.WebSocket.MessageUnitBytes = file.WebSocket.MessageUnitBytes
	}
	if file.WebSocket.MaxMessageBytes > 0 {
		c.WebSocket.MaxMessageBytes = file.WebSocket.MaxMessageBytes
	}
	if file.Classifier.MaxEvents > 0 {
		c.Classifier.MaxEvents = file.Classifier.MaxEvents
	}
	if file.Classifier.Window > 0 {
		c.Classifier.Window = file.Classifier.Window
	}
	if file.Classifier.MinSamples > 0 {
		c.Classifier.MinSamples = file.Classifier.MinSamples
	}
	if file.Classifier.DenyRatio > 0 {
		c.Classifier.DenyRatio = file.Classifier.DenyRatio
	}
	return nil
}

// PolicySet builds the validated lookup table.
func (c *Config) PolicySet() (models.PolicySet, error) {
	return models.NewPolicySet(c.Policies...)
}
