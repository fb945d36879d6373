package graph

import (
	"fmt"
	"sort"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// universe is the fully indexed set of declarations before identity pruning.
type universe struct {
	nodes []*Node
	index map[domain.CollectionAddress]int
	edges []domain.Edge
}

// Validate checks declarations without an identity: unique names and
// resolvable references.
func Validate(datasets []domain.Dataset) error {
	_, err := index(datasets)
	return err
}

// Build returns the subgraph of collections reachable from the collections
// whose identity fields have a value in the identity payload.
func Build(datasets []domain.Dataset, identity map[string]string) (*Graph, error) {
	u, err := index(datasets)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(identity))
	for key, value := range identity {
		if value != "" {
			present[key] = true
		}
	}
	if len(present) == 0 {
		return nil, &domain.GraphError{Reason: "identity payload has no values"}
	}

	adjacency := make([][]int, len(u.nodes))
	for _, e := range u.edges {
		from := u.index[e.From.CollectionAddress()]
		to := u.index[e.To.CollectionAddress()]
		adjacency[from] = append(adjacency[from], to)
	}

	reachable := make([]bool, len(u.nodes))
	var queue []int
	for i, n := range u.nodes {
		for field, key := range n.SeedFields {
			if !present[key] {
				delete(n.SeedFields, field)
			}
		}
		if n.Seeded() {
			reachable[i] = true
			queue = append(queue, i)
		}
	}
	if len(queue) == 0 {
		return nil, &domain.GraphError{Reason: "no collection can be seeded from the identity payload"}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	g := &Graph{index: make(map[domain.CollectionAddress]int)}
	for i, n := range u.nodes {
		if !reachable[i] {
			continue
		}
		g.index[n.Address] = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}
	for _, e := range u.edges {
		from, okFrom := g.Node(e.From.CollectionAddress())
		to, okTo := g.Node(e.To.CollectionAddress())
		if !okFrom || !okTo {
			continue
		}
		g.edges = append(g.edges, e)
		from.outgoing = append(from.outgoing, e)
		to.incoming = append(to.incoming, e)
	}

	if cycle := FindCycle(g); len(cycle) > 0 {
		return nil, &domain.GraphError{Reason: "cycle detected among identity-reachable collections", Cycle: cycle}
	}

	return g, nil
}

func index(datasets []domain.Dataset) (*universe, error) {
	u := &universe{index: make(map[domain.CollectionAddress]int)}
	seenDatasets := make(map[string]bool, len(datasets))

	for _, ds := range datasets {
		if ds.Name == "" {
			return nil, &domain.GraphError{Reason: "dataset name is required"}
		}
		if seenDatasets[ds.Name] {
			return nil, &domain.GraphError{Reason: "duplicate dataset", Address: ds.Name}
		}
		seenDatasets[ds.Name] = true
		if ds.ConnectionKey == "" {
			return nil, &domain.GraphError{Reason: "dataset has no connection", Address: ds.Name}
		}

		for _, c := range ds.Collections {
			addr := domain.CollectionAddress{Dataset: ds.Name, Collection: c.Name}
			if c.Name == "" {
				return nil, &domain.GraphError{Reason: "collection name is required", Address: ds.Name}
			}
			if _, dup := u.index[addr]; dup {
				return nil, &domain.GraphError{Reason: "duplicate collection", Address: addr.String()}
			}

			seen := make(map[string]bool, len(c.Fields))
			node := &Node{
				Index:         len(u.nodes),
				Address:       addr,
				ConnectionKey: ds.ConnectionKey,
				Collection:    c.Clone(),
				SeedFields:    make(map[string]string),
			}
			for _, f := range c.Fields {
				if f.Name == "" {
					return nil, &domain.GraphError{Reason: "field name is required", Address: addr.String()}
				}
				if seen[f.Name] {
					return nil, &domain.GraphError{Reason: "duplicate field", Address: addr.Field(f.Name).String()}
				}
				seen[f.Name] = true
				if f.Identity != "" {
					node.SeedFields[f.Name] = f.Identity
				}
			}

			u.index[addr] = len(u.nodes)
			u.nodes = append(u.nodes, node)
		}
	}

	for _, n := range u.nodes {
		for _, f := range n.Collection.Fields {
			for _, ref := range f.References {
				edge, err := u.edgeFor(n.Address.Field(f.Name), ref)
				if err != nil {
					return nil, err
				}
				u.edges = append(u.edges, edge)
			}
		}
	}

	return u, nil
}

func (u *universe) edgeFor(owner domain.FieldAddress, ref domain.FieldReference) (domain.Edge, error) {
	target := ref.Target
	i, ok := u.index[target.CollectionAddress()]
	if !ok {
		return domain.Edge{}, &domain.GraphError{
			Reason:  fmt.Sprintf("reference to unknown collection %s", target.CollectionAddress()),
			Address: owner.String(),
		}
	}
	if _, ok := u.nodes[i].Collection.Field(target.Field); !ok {
		return domain.Edge{}, &domain.GraphError{
			Reason:  fmt.Sprintf("reference to unknown field %s", target),
			Address: owner.String(),
		}
	}

	switch ref.Direction {
	case "", domain.DirectionTo:
		return domain.Edge{From: owner, To: target}, nil
	case domain.DirectionFrom:
		return domain.Edge{From: target, To: owner}, nil
	default:
		return domain.Edge{}, &domain.GraphError{
			Reason:  fmt.Sprintf("unknown reference direction %q", ref.Direction),
			Address: owner.String(),
		}
	}
}

// FindCycle returns the addresses forming a cycle, first node repeated at the
// end, or nil when the graph is acyclic. It walks with an explicit stack.
func FindCycle(g *Graph) []string {
	const (
		white = iota
		grey
		black
	)

	successors := make([][]int, len(g.nodes))
	for i, n := range g.nodes {
		var next []int
		for _, s := range g.Successors(n.Address) {
			next = append(next, g.index[s.Address])
		}
		sort.Ints(next)
		successors[i] = next
	}

	color := make([]int, len(g.nodes))
	type frame struct {
		node int
		next int
	}

	for start := range g.nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(successors[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := successors[top.node][top.next]
			top.next++

			switch color[child] {
			case white:
				color[child] = grey
				stack = append(stack, frame{node: child})
			case grey:
				var cycle []string
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]string{g.nodes[stack[i].node].Address.String()}, cycle...)
					if stack[i].node == child {
						break
					}
				}
				return append(cycle, g.nodes[child].Address.String())
			}
		}
	}
	return nil
}
