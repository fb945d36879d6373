// Package planner turns an induced collection graph into leveled access and
// erasure schedules.
//
// Access levels follow the longest path from the roots so that every collection
// runs after all of its value providers. Erasure levels are the mirror image: a
// collection is masked only after every collection it feeds has been masked.
// Ties inside a level keep declaration order.
package planner

import (
	"fmt"
	"sort"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/masking"
)

// PlannedNode is the unit the coordinator schedules.
type PlannedNode struct {
	Address       domain.CollectionAddress
	ConnectionKey string
	// Index is the declaration order, used for tie-breaks.
	Index int
	Node  *graph.Node

	// Predecessors feed values into this node during access.
	Predecessors []domain.CollectionAddress
	// ErasureDeps must finish masking before this node is masked.
	ErasureDeps []domain.CollectionAddress

	MaskTargets  []masking.Target
	NeedsRowData bool

	AccessLevel  int
	ErasureLevel int
}

// Plan is an immutable schedule for one request.
type Plan struct {
	Action        domain.ActionType
	Policy        *domain.Policy
	Graph         *graph.Graph
	AccessLevels  [][]*PlannedNode
	ErasureLevels [][]*PlannedNode

	nodes map[domain.CollectionAddress]*PlannedNode
	order []*PlannedNode
}

// Node returns the planned node for addr.
func (p *Plan) Node(addr domain.CollectionAddress) (*PlannedNode, bool) {
	n, ok := p.nodes[addr]
	return n, ok
}

// Nodes returns every planned node in declaration order.
func (p *Plan) Nodes() []*PlannedNode {
	return p.order
}

// Build schedules g for the policy. Erasure policies get both access and erasure
// levels because masking needs the rows discovered during access.
func Build(g *graph.Graph, policy *domain.Policy, strategies *masking.Registry) (*Plan, error) {
	if g == nil || g.Len() == 0 {
		return nil, &domain.PlanError{Reason: "graph has no collections"}
	}
	if policy == nil {
		return nil, &domain.PlanError{Reason: "policy is required"}
	}
	if strategies == nil {
		strategies = masking.NewRegistry()
	}

	for _, mandatory := range policy.MandatoryCollections {
		if _, ok := g.Node(mandatory); !ok {
			return nil, &domain.GraphError{
				Reason:  "mandatory collection is not reachable from the identity",
				Address: mandatory.String(),
			}
		}
	}

	plan := &Plan{
		Action: policy.Type,
		Policy: policy,
		Graph:  g,
		nodes:  make(map[domain.CollectionAddress]*PlannedNode, g.Len()),
	}

	for _, n := range g.Nodes() {
		pn := &PlannedNode{
			Address:       n.Address,
			ConnectionKey: n.ConnectionKey,
			Index:         n.Index,
			Node:          n,
		}
		for _, pred := range g.Predecessors(n.Address) {
			pn.Predecessors = append(pn.Predecessors, pred.Address)
		}
		for _, succ := range g.Successors(n.Address) {
			pn.ErasureDeps = append(pn.ErasureDeps, succ.Address)
		}
		plan.nodes[n.Address] = pn
		plan.order = append(plan.order, pn)
	}

	accessLevels, err := longestPathLevels(plan.order, func(pn *PlannedNode) []domain.CollectionAddress {
		return pn.Predecessors
	}, plan.nodes)
	if err != nil {
		return nil, err
	}
	for level, nodes := range accessLevels {
		for _, pn := range nodes {
			pn.AccessLevel = level
		}
	}
	plan.AccessLevels = accessLevels

	if policy.Type != domain.ActionErasure {
		return plan, nil
	}

	for _, pn := range plan.order {
		targets, err := maskTargets(pn.Node, policy, strategies)
		if err != nil {
			return nil, err
		}
		pn.MaskTargets = targets
		pn.NeedsRowData = masking.NeedsOriginal(targets)
	}

	erasureLevels, err := longestPathLevels(plan.order, func(pn *PlannedNode) []domain.CollectionAddress {
		return pn.ErasureDeps
	}, plan.nodes)
	if err != nil {
		return nil, err
	}
	for level, nodes := range erasureLevels {
		for _, pn := range nodes {
			pn.ErasureLevel = level
		}
	}
	plan.ErasureLevels = erasureLevels

	return plan, nil
}

// longestPathLevels places each node one level after the deepest of its
// dependencies. Nodes left over after the sweep sit on a cycle.
func longestPathLevels(
	nodes []*PlannedNode,
	deps func(*PlannedNode) []domain.CollectionAddress,
	byAddr map[domain.CollectionAddress]*PlannedNode,
) ([][]*PlannedNode, error) {
	remaining := make(map[domain.CollectionAddress]int, len(nodes))
	dependents := make(map[domain.CollectionAddress][]*PlannedNode, len(nodes))
	for _, pn := range nodes {
		remaining[pn.Address] = len(deps(pn))
		for _, d := range deps(pn) {
			if _, ok := byAddr[d]; !ok {
				return nil, &domain.PlanError{Reason: fmt.Sprintf("dependency %s is not planned", d), Nodes: []string{pn.Address.String()}}
			}
			dependents[d] = append(dependents[d], pn)
		}
	}

	level := make(map[domain.CollectionAddress]int, len(nodes))
	var ready []*PlannedNode
	for _, pn := range nodes {
		if remaining[pn.Address] == 0 {
			ready = append(ready, pn)
		}
	}

	placed := 0
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		placed++
		for _, dep := range dependents[current.Address] {
			if next := level[current.Address] + 1; next > level[dep.Address] {
				level[dep.Address] = next
			}
			remaining[dep.Address]--
			if remaining[dep.Address] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if placed != len(nodes) {
		var stuck []string
		for _, pn := range nodes {
			if remaining[pn.Address] > 0 {
				stuck = append(stuck, pn.Address.String())
			}
		}
		return nil, &domain.PlanError{Reason: "no execution order satisfies the dependencies", Nodes: stuck}
	}

	var levels [][]*PlannedNode
	for _, pn := range nodes {
		l := level[pn.Address]
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], pn)
	}
	for _, lvl := range levels {
		sort.SliceStable(lvl, func(i, j int) bool { return lvl[i].Index < lvl[j].Index })
	}
	return levels, nil
}

// maskTargets resolves the strategy for every non-key field the policy rewrites.
func maskTargets(n *graph.Node, policy *domain.Policy, strategies *masking.Registry) ([]masking.Target, error) {
	var targets []masking.Target
	for i := range n.Collection.Fields {
		field := &n.Collection.Fields[i]
		if field.PrimaryKey {
			continue
		}
		rule, ok := policy.RuleFor(field)
		if !ok {
			continue
		}

		var name string
		switch rule.Action {
		case domain.RuleMask:
			name = rule.Strategy
		case domain.RuleErase:
			name = masking.NullRewrite
		default:
			continue
		}

		strategy, err := strategies.New(name, rule.StrategyConfig)
		if err != nil {
			return nil, &domain.PlanError{
				Reason: fmt.Sprintf("rule for %q: %v", rule.DataCategory, err),
				Nodes:  []string{n.Address.Field(field.Name).String()},
			}
		}
		targets = append(targets, masking.Target{Field: field.Name, Strategy: strategy})
	}
	return targets, nil
}
