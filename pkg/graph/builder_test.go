package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func ref(target string, dir domain.ReferenceDirection) domain.FieldReference {
	addr, err := domain.ParseFieldAddress(target)
	if err != nil {
		panic(err)
	}
	return domain.FieldReference{Target: addr, Direction: dir}
}

// shopDatasets models users -> orders -> payments plus an unrelated audit table.
func shopDatasets() []domain.Dataset {
	return []domain.Dataset{
		{
			Name:          "shop",
			ConnectionKey: "app_db",
			Collections: []domain.Collection{
				{Name: "users", Fields: []domain.Field{
					{Name: "id", PrimaryKey: true, References: []domain.FieldReference{ref("shop.orders.user_id", domain.DirectionTo)}},
					{Name: "email", Identity: "email", DataCategories: []string{"user.contact.email"}},
				}},
				{Name: "orders", Fields: []domain.Field{
					{Name: "id", PrimaryKey: true},
					{Name: "user_id", DataCategories: []string{"system.reference"}},
				}},
				{Name: "audit", Fields: []domain.Field{
					{Name: "id", PrimaryKey: true},
				}},
			},
		},
		{
			Name:          "billing",
			ConnectionKey: "billing_db",
			Collections: []domain.Collection{
				{Name: "payments", Fields: []domain.Field{
					{Name: "id", PrimaryKey: true},
					{Name: "order_id", References: []domain.FieldReference{ref("shop.orders.id", domain.DirectionFrom)}},
					{Name: "card", DataCategories: []string{"user.financial"}},
				}},
			},
		},
	}
}

func TestBuildInducesReachableSubgraph(t *testing.T) {
	g, err := Build(shopDatasets(), map[string]string{"email": "a@b.com"})
	require.NoError(t, err)

	var addrs []string
	for _, n := range g.Nodes() {
		addrs = append(addrs, n.Address.String())
	}
	assert.Equal(t, []string{"shop:users", "shop:orders", "billing:payments"}, addrs)

	users, ok := g.Node(domain.CollectionAddress{Dataset: "shop", Collection: "users"})
	require.True(t, ok)
	assert.True(t, users.Seeded())
	assert.Equal(t, map[string]string{"email": "email"}, users.SeedFields)

	payments, ok := g.Node(domain.CollectionAddress{Dataset: "billing", Collection: "payments"})
	require.True(t, ok)
	require.Len(t, payments.Incoming(), 1)
	assert.Equal(t, "shop:orders.id -> billing:payments.order_id", payments.Incoming()[0].String())
	assert.Equal(t, "billing_db", payments.ConnectionKey)

	_, ok = g.Node(domain.CollectionAddress{Dataset: "shop", Collection: "audit"})
	assert.False(t, ok, "unreachable collections are excluded")
}

func TestBuildRejectsUnknownReferences(t *testing.T) {
	datasets := shopDatasets()
	datasets[0].Collections[1].Fields[1].References = []domain.FieldReference{ref("shop.refunds.order_id", "")}

	_, err := Build(datasets, map[string]string{"email": "a@b.com"})
	var gerr *domain.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Contains(t, gerr.Reason, "unknown collection")

	datasets = shopDatasets()
	datasets[0].Collections[1].Fields[1].References = []domain.FieldReference{ref("shop.users.missing", "")}
	_, err = Build(datasets, map[string]string{"email": "a@b.com"})
	require.ErrorAs(t, err, &gerr)
	assert.Contains(t, gerr.Reason, "unknown field")
}

func TestBuildRejectsDuplicates(t *testing.T) {
	datasets := shopDatasets()
	datasets = append(datasets, domain.Dataset{Name: "shop", ConnectionKey: "x"})
	err := Validate(datasets)
	var gerr *domain.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "duplicate dataset", gerr.Reason)
}

func TestBuildRequiresSeed(t *testing.T) {
	_, err := Build(shopDatasets(), map[string]string{"phone": "555"})
	var gerr *domain.GraphError
	require.ErrorAs(t, err, &gerr)

	_, err = Build(shopDatasets(), map[string]string{"email": ""})
	require.ErrorAs(t, err, &gerr)
}

func TestBuildRejectsCycles(t *testing.T) {
	datasets := shopDatasets()
	// payments.id feeds back into users.id
	datasets[1].Collections[0].Fields[0].References = []domain.FieldReference{ref("shop.users.id", domain.DirectionTo)}

	_, err := Build(datasets, map[string]string{"email": "a@b.com"})
	var gerr *domain.GraphError
	require.True(t, errors.As(err, &gerr))
	require.NotEmpty(t, gerr.Cycle)
	assert.Equal(t, gerr.Cycle[0], gerr.Cycle[len(gerr.Cycle)-1])
}

func TestBuildIgnoresCyclesOutsideInducedGraph(t *testing.T) {
	datasets := shopDatasets()
	datasets[0].Collections[2].Fields = append(datasets[0].Collections[2].Fields,
		domain.Field{Name: "self", References: []domain.FieldReference{ref("shop.audit.id", "")}})

	_, err := Build(datasets, map[string]string{"email": "a@b.com"})
	assert.NoError(t, err)
}

// chain builds n collections c0..c(n-1) in one dataset with the given edges.
func chain(n int, edges [][2]int) []domain.Dataset {
	collections := make([]domain.Collection, n)
	for i := range collections {
		collections[i] = domain.Collection{
			Name: fmt.Sprintf("c%d", i),
			Fields: []domain.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "in"},
			},
		}
	}
	collections[0].Fields = append(collections[0].Fields, domain.Field{Name: "email", Identity: "email"})
	for _, e := range edges {
		f := &collections[e[0]].Fields[0]
		f.References = append(f.References, ref(fmt.Sprintf("d.c%d.in", e[1]), domain.DirectionTo))
	}
	return []domain.Dataset{{Name: "d", ConnectionKey: "conn", Collections: collections}}
}

func reachableFrom(n int, edges [][2]int) map[int]bool {
	seen := map[int]bool{0: true}
	changed := true
	for changed {
		changed = false
		for _, e := range edges {
			if seen[e[0]] && !seen[e[1]] {
				seen[e[1]] = true
				changed = true
			}
		}
	}
	return seen
}

func drawForwardEdges(t *rapid.T, n int) [][2]int {
	var edges [][2]int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
				edges = append(edges, [2]int{i, j})
			}
		}
	}
	return edges
}

func TestBuildAcyclicInputsProduceDAG(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "collections")
		edges := drawForwardEdges(t, n)

		g, err := Build(chain(n, edges), map[string]string{"email": "x@y.z"})
		if err != nil {
			t.Fatalf("acyclic input rejected: %v", err)
		}
		if FindCycle(g) != nil {
			t.Fatalf("built graph contains a cycle")
		}

		want := reachableFrom(n, edges)
		if g.Len() != len(want) {
			t.Fatalf("expected %d reachable collections, got %d", len(want), g.Len())
		}
		for i := range want {
			if _, ok := g.Node(domain.CollectionAddress{Dataset: "d", Collection: fmt.Sprintf("c%d", i)}); !ok {
				t.Fatalf("reachable collection c%d missing", i)
			}
		}
	})
}

func TestBuildCyclicInputsAreRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "collections")
		edges := drawForwardEdges(t, n)

		reachable := reachableFrom(n, edges)
		var candidates []int
		for i := 0; i < n; i++ {
			if reachable[i] {
				candidates = append(candidates, i)
			}
		}
		back := rapid.SampledFrom(candidates).Draw(t, "back_edge_source")
		edges = append(edges, [2]int{back, 0})

		_, err := Build(chain(n, edges), map[string]string{"email": "x@y.z"})
		var gerr *domain.GraphError
		if !errors.As(err, &gerr) || len(gerr.Cycle) == 0 {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})
}
