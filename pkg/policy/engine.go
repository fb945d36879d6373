package policy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Source resolves a policy key into the rules a request runs with.
type Source interface {
	Policy(ctx context.Context, key string) (*domain.Policy, error)
}

// Static serves policies loaded from configuration.
type Static map[string]*domain.Policy

// Policy implements Source.
func (s Static) Policy(_ context.Context, key string) (*domain.Policy, error) {
	p, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, key)
	}
	return clonePolicy(p), nil
}

// ResolverOptions control OPA resolver construction.
type ResolverOptions struct {
	// Entrypoint is the rule producing a policy document (e.g. "privacy/policy").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the resolver.
	Modules map[string]string
	// CacheMaxEntries bounds the resolved-policy cache (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Resolver evaluates Rego modules to build policies. The entrypoint receives
// {"policy_key": key} as input and must produce a document of the form
//
//	{"type": "erasure", "rules": [{"data_category": "user.contact", "action": "mask",
//	  "strategy": "hash", "strategy_config": {...}}], "mandatory_collections": ["ds:coll"]}
//
// An undefined result means the key is unknown.
type Resolver struct {
	prepared rego.PreparedEvalQuery
	cache    *policyCache
	logger   *slog.Logger
}

const (
	defaultEntrypoint    = "privacy/policy"
	defaultCacheCapacity = 256
)

// NewResolver parses and compiles the modules.
func NewResolver(ctx context.Context, opts ResolverOptions) (*Resolver, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy resolver requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *policyCache
	if maxEntries > 0 {
		cache = newPolicyCache(maxEntries)
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	regoOpts := make([]func(*rego.Rego), 0, len(moduleOrder)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{prepared: prepared, cache: cache, logger: logger}, nil
}

// Policy implements Source.
func (r *Resolver) Policy(ctx context.Context, key string) (*domain.Policy, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return clonePolicy(cached), nil
		}
	}

	results, err := r.prepared.Eval(ctx, rego.EvalInput(map[string]any{"policy_key": key}))
	if err != nil {
		return nil, fmt.Errorf("opa policy %s: %w", key, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, key)
	}

	document, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("opa policy %s: unexpected result type %T", key, results[0].Expressions[0].Value)
	}
	policy, err := parsePolicy(key, document)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("resolved policy", "policy", key, "rules", len(policy.Rules))

	if r.cache != nil {
		r.cache.Add(key, policy)
	}
	return clonePolicy(policy), nil
}

// FlushCache clears all cached policies. Safe to call concurrently.
func (r *Resolver) FlushCache() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

func parsePolicy(key string, document map[string]any) (*domain.Policy, error) {
	policy := &domain.Policy{Key: key}

	typeName, _ := document["type"].(string)
	switch domain.ActionType(strings.ToLower(typeName)) {
	case domain.ActionAccess:
		policy.Type = domain.ActionAccess
	case domain.ActionErasure:
		policy.Type = domain.ActionErasure
	default:
		return nil, fmt.Errorf("opa policy %s: unknown type %q", key, typeName)
	}

	rawRules, _ := document["rules"].([]any)
	for i, raw := range rawRules {
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("opa policy %s: rule %d must be an object, got %T", key, i, raw)
		}
		rule, err := parseRule(fields)
		if err != nil {
			return nil, fmt.Errorf("opa policy %s: rule %d: %w", key, i, err)
		}
		policy.Rules = append(policy.Rules, rule)
	}

	rawMandatory, _ := document["mandatory_collections"].([]any)
	for _, raw := range rawMandatory {
		text, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("opa policy %s: mandatory collection must be a string, got %T", key, raw)
		}
		addr, err := domain.ParseCollectionAddress(text)
		if err != nil {
			return nil, fmt.Errorf("opa policy %s: %w", key, err)
		}
		policy.MandatoryCollections = append(policy.MandatoryCollections, addr)
	}
	return policy, nil
}

func parseRule(fields map[string]any) (domain.Rule, error) {
	category, _ := fields["data_category"].(string)
	if category == "" {
		return domain.Rule{}, errors.New("data_category is required")
	}
	action, err := ParseAction(fields["action"])
	if err != nil {
		return domain.Rule{}, err
	}
	strategy, _ := fields["strategy"].(string)
	config, _ := fields["strategy_config"].(map[string]any)

	return domain.Rule{
		DataCategory:   category,
		Action:         action,
		Strategy:       strategy,
		StrategyConfig: cloneAnyMap(config),
	}, nil
}

// ParseAction converts a textual rule action.
func ParseAction(value any) (domain.RuleAction, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("action must be string, got %T", value)
	}
	switch domain.RuleAction(strings.ToLower(text)) {
	case domain.RuleInclude:
		return domain.RuleInclude, nil
	case domain.RuleMask:
		return domain.RuleMask, nil
	case domain.RuleErase:
		return domain.RuleErase, nil
	case domain.RuleSkip:
		return domain.RuleSkip, nil
	default:
		return "", fmt.Errorf("unknown action %q", text)
	}
}

func clonePolicy(p *domain.Policy) *domain.Policy {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Rules = make([]domain.Rule, len(p.Rules))
	for i, rule := range p.Rules {
		rule.StrategyConfig = cloneAnyMap(rule.StrategyConfig)
		clone.Rules[i] = rule
	}
	clone.MandatoryCollections = append([]domain.CollectionAddress(nil), p.MandatoryCollections...)
	return &clone
}

func cloneAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

type policyCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value *domain.Policy
}

func newPolicyCache(capacity int) *policyCache {
	return &policyCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *policyCache) Get(key string) (*domain.Policy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *policyCache) Add(key string, value *domain.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *policyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
