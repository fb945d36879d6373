// Package graph builds the collection dependency graph a privacy request traverses.
//
// Declarations are indexed once into an arena of nodes (declaration order),
// then restricted to the collections reachable from identity-seeded fields.
// Cycle detection runs before any plan is produced and never recurses.
package graph

import (
	"github.com/polisai/polis-privacy/pkg/domain"
)

// Node is one collection in the induced graph.
type Node struct {
	// Index is the declaration order of the collection across all datasets.
	Index         int
	Address       domain.CollectionAddress
	ConnectionKey string
	Collection    domain.Collection
	// SeedFields maps a field name to the identity key that seeds it.
	SeedFields map[string]string

	incoming []domain.Edge
	outgoing []domain.Edge
}

// Seeded reports whether identity values can be fed directly to this node.
func (n *Node) Seeded() bool {
	return len(n.SeedFields) > 0
}

// Incoming returns the edges whose target field lives in this collection.
func (n *Node) Incoming() []domain.Edge {
	return n.incoming
}

// Outgoing returns the edges whose source field lives in this collection.
func (n *Node) Outgoing() []domain.Edge {
	return n.outgoing
}

// Graph is the induced subgraph of collections relevant to one identity.
type Graph struct {
	nodes []*Node
	index map[domain.CollectionAddress]int
	edges []domain.Edge
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Node returns the node for the address if it is part of the graph.
func (g *Graph) Node(addr domain.CollectionAddress) (*Node, bool) {
	i, ok := g.index[addr]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Edges returns every edge between nodes of the graph in declaration order.
func (g *Graph) Edges() []domain.Edge {
	return g.edges
}

// Len returns the number of collections in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Seeds returns the identity-seeded nodes in declaration order.
func (g *Graph) Seeds() []*Node {
	var seeds []*Node
	for _, n := range g.nodes {
		if n.Seeded() {
			seeds = append(seeds, n)
		}
	}
	return seeds
}

// Incoming returns the edges ending in addr.
func (g *Graph) Incoming(addr domain.CollectionAddress) []domain.Edge {
	if n, ok := g.Node(addr); ok {
		return n.incoming
	}
	return nil
}

// Outgoing returns the edges starting in addr.
func (g *Graph) Outgoing(addr domain.CollectionAddress) []domain.Edge {
	if n, ok := g.Node(addr); ok {
		return n.outgoing
	}
	return nil
}

// Predecessors returns the distinct collections feeding values into addr.
func (g *Graph) Predecessors(addr domain.CollectionAddress) []*Node {
	n, ok := g.Node(addr)
	if !ok {
		return nil
	}
	return g.distinct(n.incoming, func(e domain.Edge) domain.CollectionAddress { return e.From.CollectionAddress() })
}

// Successors returns the distinct collections that consume values of addr.
func (g *Graph) Successors(addr domain.CollectionAddress) []*Node {
	n, ok := g.Node(addr)
	if !ok {
		return nil
	}
	return g.distinct(n.outgoing, func(e domain.Edge) domain.CollectionAddress { return e.To.CollectionAddress() })
}

func (g *Graph) distinct(edges []domain.Edge, pick func(domain.Edge) domain.CollectionAddress) []*Node {
	seen := make(map[domain.CollectionAddress]bool, len(edges))
	var out []*Node
	for _, e := range edges {
		addr := pick(e)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		if n, ok := g.Node(addr); ok {
			out = append(out, n)
		}
	}
	return out
}
