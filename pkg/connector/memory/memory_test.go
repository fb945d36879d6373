package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/masking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var customers = domain.Collection{
	Name: "customer",
	Fields: []domain.Field{
		{Name: "id", PrimaryKey: true},
		{Name: "email"},
		{Name: "name"},
		{Name: "address_id"},
	},
}

func seeded(t *testing.T) (*Store, connector.Connector) {
	t.Helper()
	store := NewStore()
	store.Seed("pg", "customer",
		domain.Row{"id": 1, "email": "customer-1@example.com", "name": "John Customer", "address_id": 1},
		domain.Row{"id": 2, "email": "customer-2@example.com", "name": "Jill Customer", "address_id": 2},
		domain.Row{"id": 3, "email": "other@example.com", "name": "Jane", "address_id": 2},
	)

	registry := connector.NewRegistry()
	store.Register(registry)
	conn, err := registry.Open(domain.ConnectionConfig{Key: "pg", Type: Type}, nil)
	require.NoError(t, err)
	return store, conn
}

func TestQueryUsesOrSemanticsAndPrunesEmptyFilters(t *testing.T) {
	store, conn := seeded(t)

	rows, err := conn.Query(context.Background(), connector.QueryRequest{
		Collection: customers,
		Filters: map[string][]any{
			"email":      {"customer-1@example.com"},
			"address_id": {int64(2)},
			"name":       {},
		},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rows, err = conn.Query(context.Background(), connector.QueryRequest{Collection: customers, Filters: map[string][]any{"name": nil}})
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.Equal(t, 2, store.CallCount(OpQuery, "customer"))
}

func TestQueryReturnsCopies(t *testing.T) {
	store, conn := seeded(t)
	rows, err := conn.Query(context.Background(), connector.QueryRequest{Collection: customers, Filters: map[string][]any{"id": {1}}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rows[0]["name"] = "changed"

	assert.Equal(t, "John Customer", store.Rows("pg", "customer")[0]["name"])
}

func TestMaskByPrimaryKey(t *testing.T) {
	store, conn := seeded(t)
	hash, err := masking.NewRegistry().New(masking.Hash, nil)
	require.NoError(t, err)
	want, _ := hash.Mask("John Customer")

	affected, err := conn.Mask(context.Background(), connector.MaskRequest{
		Collection: customers,
		Rows:       []domain.Row{{"id": int64(1), "name": "John Customer"}},
		Targets:    []masking.Target{{Field: "name", Strategy: hash}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	rows := store.Rows("pg", "customer")
	assert.Equal(t, want, rows[0]["name"])
	assert.Equal(t, "Jill Customer", rows[1]["name"])
}

func TestMaskByFilters(t *testing.T) {
	store, conn := seeded(t)
	null, _ := masking.NewRegistry().New(masking.NullRewrite, nil)

	affected, err := conn.Mask(context.Background(), connector.MaskRequest{
		Collection: customers,
		Filters:    map[string][]any{"address_id": {2}},
		Targets:    []masking.Target{{Field: "email", Strategy: null}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, affected)

	rows := store.Rows("pg", "customer")
	assert.Equal(t, "customer-1@example.com", rows[0]["email"])
	assert.Nil(t, rows[1]["email"])
	assert.Nil(t, rows[2]["email"])
}

func TestMaskRowsRequiresPrimaryKey(t *testing.T) {
	_, conn := seeded(t)
	null, _ := masking.NewRegistry().New(masking.NullRewrite, nil)

	_, err := conn.Mask(context.Background(), connector.MaskRequest{
		Collection: domain.Collection{Name: "customer", Fields: []domain.Field{{Name: "email"}}},
		Rows:       []domain.Row{{"email": "x"}},
		Targets:    []masking.Target{{Field: "email", Strategy: null}},
	})
	assert.Equal(t, domain.ConnectorPermanent, connector.Classify(err))
}

func TestFaultInjection(t *testing.T) {
	store, conn := seeded(t)
	boom := connector.Transient("pg", OpQuery, errors.New("connection reset"))
	store.FailNext("pg", "customer", OpQuery, boom)

	req := connector.QueryRequest{Collection: customers, Filters: map[string][]any{"id": {1}}}
	_, err := conn.Query(context.Background(), req)
	assert.Same(t, boom, err)

	_, err = conn.Query(context.Background(), req)
	assert.NoError(t, err)

	store.FailAlways("pg", "", OpQuery, boom)
	_, err = conn.Query(context.Background(), req)
	assert.Error(t, err)
	store.FailAlways("pg", "", OpQuery, nil)
	_, err = conn.Query(context.Background(), req)
	assert.NoError(t, err)

	assert.Len(t, store.Calls(), 4)
	store.ResetCalls()
	assert.Empty(t, store.Calls())
}

func TestRequiredSecrets(t *testing.T) {
	store := NewStore()
	store.RequireSecret("pg", "password", "s3cret")
	factory := store.Factory()

	bad, err := factory(domain.ConnectionConfig{Key: "pg", Type: Type}, connector.MapCredentials{"password": "nope"})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectorAuthFailure, connector.Classify(bad.Test(context.Background())))

	good, err := factory(domain.ConnectionConfig{Key: "pg", Type: Type}, connector.MapCredentials{"password": "s3cret"})
	require.NoError(t, err)
	assert.NoError(t, good.Test(context.Background()))

	require.NoError(t, good.Close())
	assert.Error(t, good.Test(context.Background()))
}
