package planner

import (
	"fmt"
	"testing"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/masking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func to(target string) []domain.FieldReference {
	addr, err := domain.ParseFieldAddress(target)
	if err != nil {
		panic(err)
	}
	return []domain.FieldReference{{Target: addr, Direction: domain.DirectionTo}}
}

func shop() []domain.Dataset {
	return []domain.Dataset{{
		Name:          "shop",
		ConnectionKey: "db",
		Collections: []domain.Collection{
			{Name: "users", Fields: []domain.Field{
				{Name: "id", PrimaryKey: true, References: to("shop.orders.user_id")},
				{Name: "email", Identity: "email", DataCategories: []string{"user.contact.email"}},
				{Name: "name", DataCategories: []string{"user.name"}},
			}},
			{Name: "orders", Fields: []domain.Field{
				{Name: "id", PrimaryKey: true, References: to("shop.payments.order_id")},
				{Name: "user_id"},
				{Name: "address", DataCategories: []string{"user.contact.address"}},
			}},
			{Name: "payments", Fields: []domain.Field{
				{Name: "id", PrimaryKey: true},
				{Name: "order_id"},
				{Name: "card", DataCategories: []string{"user.financial.card"}},
			}},
		},
	}}
}

func build(t *testing.T, datasets []domain.Dataset) *graph.Graph {
	t.Helper()
	g, err := graph.Build(datasets, map[string]string{"email": "a@b.com"})
	require.NoError(t, err)
	return g
}

func addresses(level []*PlannedNode) []string {
	out := make([]string, len(level))
	for i, pn := range level {
		out[i] = pn.Address.String()
	}
	return out
}

func erasurePolicy() *domain.Policy {
	return &domain.Policy{
		Key:  "erase",
		Type: domain.ActionErasure,
		Rules: []domain.Rule{
			{DataCategory: "user.contact", Action: domain.RuleMask, Strategy: masking.Hash, StrategyConfig: map[string]any{"algorithm": "SHA-512"}},
			{DataCategory: "user.name", Action: domain.RuleErase},
			{DataCategory: "user.financial", Action: domain.RuleMask, Strategy: masking.StringRewrite},
		},
	}
}

func TestPlanAccessOrder(t *testing.T) {
	plan, err := Build(build(t, shop()), &domain.Policy{Type: domain.ActionAccess}, nil)
	require.NoError(t, err)

	require.Len(t, plan.AccessLevels, 3)
	assert.Equal(t, []string{"shop:users"}, addresses(plan.AccessLevels[0]))
	assert.Equal(t, []string{"shop:orders"}, addresses(plan.AccessLevels[1]))
	assert.Equal(t, []string{"shop:payments"}, addresses(plan.AccessLevels[2]))
	assert.Empty(t, plan.ErasureLevels)

	orders, ok := plan.Node(domain.CollectionAddress{Dataset: "shop", Collection: "orders"})
	require.True(t, ok)
	assert.Equal(t, []domain.CollectionAddress{{Dataset: "shop", Collection: "users"}}, orders.Predecessors)
	assert.Empty(t, orders.MaskTargets)
}

func TestPlanErasureReversesAccessOrder(t *testing.T) {
	plan, err := Build(build(t, shop()), erasurePolicy(), masking.NewRegistry())
	require.NoError(t, err)

	require.Len(t, plan.ErasureLevels, 3)
	assert.Equal(t, []string{"shop:payments"}, addresses(plan.ErasureLevels[0]))
	assert.Equal(t, []string{"shop:orders"}, addresses(plan.ErasureLevels[1]))
	assert.Equal(t, []string{"shop:users"}, addresses(plan.ErasureLevels[2]))

	users, _ := plan.Node(domain.CollectionAddress{Dataset: "shop", Collection: "users"})
	require.Len(t, users.MaskTargets, 2)
	assert.Equal(t, "email", users.MaskTargets[0].Field)
	assert.Equal(t, masking.Hash, users.MaskTargets[0].Strategy.Name())
	assert.Equal(t, "name", users.MaskTargets[1].Field)
	assert.Equal(t, masking.NullRewrite, users.MaskTargets[1].Strategy.Name())
	assert.True(t, users.NeedsRowData)

	payments, _ := plan.Node(domain.CollectionAddress{Dataset: "shop", Collection: "payments"})
	require.Len(t, payments.MaskTargets, 1)
	assert.False(t, payments.NeedsRowData)
	assert.Empty(t, payments.ErasureDeps)
}

func TestPlanNeverMasksPrimaryKeys(t *testing.T) {
	policy := &domain.Policy{Type: domain.ActionErasure, Rules: []domain.Rule{{DataCategory: domain.MatchAll, Action: domain.RuleErase}}}
	plan, err := Build(build(t, shop()), policy, nil)
	require.NoError(t, err)

	for _, pn := range plan.Nodes() {
		for _, target := range pn.MaskTargets {
			assert.NotEqual(t, "id", target.Field, pn.Address.String())
		}
	}
}

func TestPlanTieBreakUsesDeclarationOrder(t *testing.T) {
	datasets := []domain.Dataset{{
		Name:          "d",
		ConnectionKey: "db",
		Collections: []domain.Collection{
			{Name: "zeta", Fields: []domain.Field{{Name: "email", Identity: "email"}}},
			{Name: "alpha", Fields: []domain.Field{{Name: "email", Identity: "email"}}},
			{Name: "mid", Fields: []domain.Field{{Name: "email", Identity: "email"}}},
		},
	}}

	for i := 0; i < 5; i++ {
		plan, err := Build(build(t, datasets), &domain.Policy{Type: domain.ActionAccess}, nil)
		require.NoError(t, err)
		require.Len(t, plan.AccessLevels, 1)
		assert.Equal(t, []string{"d:zeta", "d:alpha", "d:mid"}, addresses(plan.AccessLevels[0]))
	}
}

func TestPlanDiamondUsesLongestPath(t *testing.T) {
	datasets := []domain.Dataset{{
		Name:          "d",
		ConnectionKey: "db",
		Collections: []domain.Collection{
			{Name: "root", Fields: []domain.Field{
				{Name: "email", Identity: "email"},
				{Name: "id", References: append(to("d.left.root_id"), to("d.sink.root_id")...)},
			}},
			{Name: "left", Fields: []domain.Field{{Name: "root_id"}, {Name: "id", References: to("d.sink.left_id")}}},
			{Name: "sink", Fields: []domain.Field{{Name: "root_id"}, {Name: "left_id"}}},
		},
	}}

	plan, err := Build(build(t, datasets), &domain.Policy{Type: domain.ActionErasure}, nil)
	require.NoError(t, err)
	sink, _ := plan.Node(domain.CollectionAddress{Dataset: "d", Collection: "sink"})
	assert.Equal(t, 2, sink.AccessLevel)
	assert.Equal(t, 0, sink.ErasureLevel)
	root, _ := plan.Node(domain.CollectionAddress{Dataset: "d", Collection: "root"})
	assert.Equal(t, 2, root.ErasureLevel)
}

func TestPlanRejectsUnknownStrategy(t *testing.T) {
	policy := &domain.Policy{Type: domain.ActionErasure, Rules: []domain.Rule{{DataCategory: "user", Action: domain.RuleMask, Strategy: "shred"}}}
	_, err := Build(build(t, shop()), policy, nil)
	var perr *domain.PlanError
	require.ErrorAs(t, err, &perr)
	assert.ErrorContains(t, err, "masking strategy not found")
}

func TestPlanRequiresMandatoryCollections(t *testing.T) {
	policy := &domain.Policy{
		Type:                 domain.ActionAccess,
		MandatoryCollections: []domain.CollectionAddress{{Dataset: "crm", Collection: "contacts"}},
	}
	_, err := Build(build(t, shop()), policy, nil)
	var gerr *domain.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "crm:contacts", gerr.Address)
}

func TestPlanLevelsRespectEdges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 9).Draw(t, "collections")
		collections := make([]domain.Collection, n)
		for i := range collections {
			collections[i] = domain.Collection{
				Name:   fmt.Sprintf("c%d", i),
				Fields: []domain.Field{{Name: "id", PrimaryKey: true}, {Name: "in"}, {Name: "email", Identity: "email"}},
			}
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					f := &collections[i].Fields[0]
					f.References = append(f.References, to(fmt.Sprintf("d.c%d.in", j))...)
				}
			}
		}
		datasets := []domain.Dataset{{Name: "d", ConnectionKey: "db", Collections: collections}}

		g, err := graph.Build(datasets, map[string]string{"email": "x"})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		plan, err := Build(g, &domain.Policy{Type: domain.ActionErasure}, nil)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}

		for _, e := range g.Edges() {
			from, _ := plan.Node(e.From.CollectionAddress())
			target, _ := plan.Node(e.To.CollectionAddress())
			if from.AccessLevel >= target.AccessLevel {
				t.Fatalf("access: %s (level %d) must precede %s (level %d)", from.Address, from.AccessLevel, target.Address, target.AccessLevel)
			}
			if from.ErasureLevel <= target.ErasureLevel {
				t.Fatalf("erasure: %s (level %d) must follow %s (level %d)", from.Address, from.ErasureLevel, target.Address, target.ErasureLevel)
			}
		}

		for _, levels := range [][][]*PlannedNode{plan.AccessLevels, plan.ErasureLevels} {
			total := 0
			for _, lvl := range levels {
				total += len(lvl)
				for i := 1; i < len(lvl); i++ {
					if lvl[i-1].Index >= lvl[i].Index {
						t.Fatalf("level not in declaration order")
					}
				}
			}
			if total != g.Len() {
				t.Fatalf("expected %d planned nodes, got %d", g.Len(), total)
			}
		}
	})
}
