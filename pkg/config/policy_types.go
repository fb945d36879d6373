package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/policy"
)

// PolicyFile is the YAML document declaring policies.
type PolicyFile struct {
	Policies []PolicySpec `yaml:"policies"`
}

// PolicySpec declares one policy.
type PolicySpec struct {
	Key                  string     `yaml:"key" validate:"required"`
	Type                 string     `yaml:"type" validate:"required,oneof=access erasure"`
	Rules                []RuleSpec `yaml:"rules" validate:"dive"`
	MandatoryCollections []string   `yaml:"mandatory_collections"`
}

// RuleSpec maps a data category to an action.
type RuleSpec struct {
	DataCategory   string         `yaml:"data_category" validate:"required"`
	Action         string         `yaml:"action" validate:"required"`
	Strategy       string         `yaml:"strategy"`
	StrategyConfig map[string]any `yaml:"strategy_config"`
}

// LoadPolicies reads policy declarations keyed by policy key.
func LoadPolicies(path string) (policy.Static, error) {
	//nolint:gosec // Policy file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	policies, err := ParsePolicies(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policies, nil
}

// ParsePolicies decodes and validates policy declarations.
func ParsePolicies(data []byte) (policy.Static, error) {
	var file PolicyFile
	if err := decodeStrict(data, &file); err != nil {
		return nil, err
	}

	out := make(policy.Static, len(file.Policies))
	for i := range file.Policies {
		spec := &file.Policies[i]
		spec.Normalize()
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, validationError(err))
		}
		if _, dup := out[spec.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate policy %q", domain.ErrConfigInvalid, spec.Key)
		}
		p, err := spec.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", spec.Key, err)
		}
		out[spec.Key] = p
	}
	return out, nil
}

// Normalize trims and lowercases enumerated values.
func (s *PolicySpec) Normalize() {
	s.Key = strings.TrimSpace(s.Key)
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	for i := range s.Rules {
		s.Rules[i].DataCategory = strings.TrimSpace(s.Rules[i].DataCategory)
		s.Rules[i].Action = strings.ToLower(strings.TrimSpace(s.Rules[i].Action))
		s.Rules[i].Strategy = strings.TrimSpace(s.Rules[i].Strategy)
	}
}

// ToDomain converts the spec to a domain policy.
func (s PolicySpec) ToDomain() (*domain.Policy, error) {
	p := &domain.Policy{Key: s.Key, Type: domain.ActionType(s.Type)}
	for _, rule := range s.Rules {
		action, err := policy.ParseAction(rule.Action)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
		p.Rules = append(p.Rules, domain.Rule{
			DataCategory:   rule.DataCategory,
			Action:         action,
			Strategy:       rule.Strategy,
			StrategyConfig: rule.StrategyConfig,
		})
	}
	for _, raw := range s.MandatoryCollections {
		addr, err := domain.ParseCollectionAddress(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
		p.MandatoryCollections = append(p.MandatoryCollections, addr)
	}
	return p, nil
}

// LoadRegoModules reads Rego sources keyed by file path.
func LoadRegoModules(paths []string) (map[string]string, error) {
	modules := make(map[string]string, len(paths))
	for _, path := range paths {
		//nolint:gosec // Module paths are controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rego module %s: %w", path, err)
		}
		modules[path] = string(data)
	}
	return modules, nil
}
