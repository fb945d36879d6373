package domain

import "strings"

// RuleAction is what a policy does with fields of a matching data category.
type RuleAction string

const (
	// RuleInclude returns the field in access output.
	RuleInclude RuleAction = "include"
	// RuleMask rewrites the field with the rule's masking strategy.
	RuleMask RuleAction = "mask"
	// RuleErase clears the field.
	RuleErase RuleAction = "erase"
	// RuleSkip leaves the field untouched and out of access output.
	RuleSkip RuleAction = "skip"
)

// MatchAll is the data category that matches every field, categorised or not.
const MatchAll = "*"

// Rule maps a data category to an action.
type Rule struct {
	DataCategory   string
	Action         RuleAction
	Strategy       string
	StrategyConfig map[string]any
}

// Policy selects what a request does to each data category.
type Policy struct {
	Key                  string
	Type                 ActionType
	Rules                []Rule
	MandatoryCollections []CollectionAddress
}

// Matches reports whether the rule covers the given category hierarchically:
// "user.contact" covers "user.contact.email" but not "user.contacts".
func (r Rule) Matches(category string) bool {
	if r.DataCategory == MatchAll {
		return true
	}
	if r.DataCategory == "" || category == "" {
		return false
	}
	return category == r.DataCategory || strings.HasPrefix(category, r.DataCategory+".")
}

func (r Rule) specificity() int {
	if r.DataCategory == MatchAll {
		return 0
	}
	return len(r.DataCategory) + 1
}

// RuleFor returns the most specific rule matching any of the field's categories.
// Ties keep the earliest declared rule.
func (p *Policy) RuleFor(field *Field) (Rule, bool) {
	if p == nil || field == nil {
		return Rule{}, false
	}

	best := -1
	bestScore := -1
	for i, rule := range p.Rules {
		if rule.DataCategory == MatchAll {
			if bestScore < 0 {
				best, bestScore = i, 0
			}
			continue
		}
		for _, category := range field.DataCategories {
			if rule.Matches(category) && rule.specificity() > bestScore {
				best, bestScore = i, rule.specificity()
			}
		}
	}
	if best < 0 {
		return Rule{}, false
	}
	return p.Rules[best], true
}

// IsMandatory reports whether the collection must complete for the request to succeed.
func (p *Policy) IsMandatory(addr CollectionAddress) bool {
	if p == nil {
		return false
	}
	for _, m := range p.MandatoryCollections {
		if m == addr {
			return true
		}
	}
	return false
}
