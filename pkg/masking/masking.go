// Package masking provides the value rewriting strategies selected by erasure policies.
package masking

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Strategy names understood by the default registry.
const (
	NullRewrite         = "null_rewrite"
	StringRewrite       = "string_rewrite"
	Hash                = "hash"
	RandomStringRewrite = "random_string_rewrite"
	FormatPreserving    = "format_preserving"
)

// Strategy rewrites one field value.
type Strategy interface {
	Name() string
	// Mask returns the replacement for value. Strategies that do not need the
	// original ignore it.
	Mask(value any) (any, error)
	// NeedsOriginal reports whether the replacement must be computed per value,
	// in which case rows are masked one by one.
	NeedsOriginal() bool
}

// Constructor builds a strategy from its policy configuration.
type Constructor func(config map[string]any) (Strategy, error)

// Registry resolves strategy names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register(NullRewrite, newNullRewrite)
	r.Register(StringRewrite, newStringRewrite)
	r.Register(Hash, newHash)
	r.Register(RandomStringRewrite, newRandomStringRewrite)
	r.Register(FormatPreserving, newFormatPreserving)
	return r
}

// Register adds or replaces a constructor.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(strings.TrimSpace(name))] = ctor
}

// New builds the named strategy. An empty name selects null_rewrite.
func (r *Registry) New(name string, config map[string]any) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = NullRewrite
	}

	r.mu.RLock()
	ctor, ok := r.constructors[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("masking: %w: %q", domain.ErrStrategyNotFound, name)
	}

	strategy, err := ctor(config)
	if err != nil {
		return nil, fmt.Errorf("masking: invalid configuration for %s: %w", key, err)
	}
	return strategy, nil
}

// Names lists the registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringOption(config map[string]any, key, fallback string) (string, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, raw)
	}
	return s, nil
}

func intOption(config map[string]any, key string, fallback int) (int, error) {
	raw, ok := config[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, raw)
	}
}

// Target is one field to rewrite with its resolved strategy.
type Target struct {
	Field    string
	Strategy Strategy
}

// NeedsOriginal reports whether any target depends on the current value.
func NeedsOriginal(targets []Target) bool {
	for _, t := range targets {
		if t.Strategy != nil && t.Strategy.NeedsOriginal() {
			return true
		}
	}
	return false
}
