package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4, cfg.Executor.MaxConcurrentPerConnection)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, "privacy/policy", cfg.Policy.Entrypoint)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
logging:
  level: DEBUG
  format: text
executor:
  max_concurrent_per_connection: 2
  call_timeout: 5s
  max_retries: 1
  initial_backoff: 50ms
  max_backoff: 1s
  circuit_breaker:
    max_failures: 3
    open_timeout: 10s
  rate_limits:
    shop_db:
      requests_per_second: 20
      burst: 5
storage:
  driver: postgres
  dsn: postgres://localhost/privacy
`)
	t.Setenv("PRIVACY_REDIS_ADDR", "localhost:6379")
	t.Setenv("PRIVACY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PRIVACY_MAX_RETRIES", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 5*time.Second, cfg.Executor.CallTimeout)
	assert.Equal(t, 2, cfg.Executor.MaxRetries)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "localhost:6379", cfg.Cache.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Brokers)

	retry := cfg.Executor.Retry()
	assert.Equal(t, 2, retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, time.Second, retry.MaxBackoff)

	breaker := cfg.Executor.Breaker()
	assert.Equal(t, 3, breaker.MaxFailures)
	assert.Equal(t, 10*time.Second, breaker.Timeout)

	limits, fallback := cfg.Executor.Limits()
	assert.Equal(t, 20.0, limits["shop_db"].RequestsPerSecond)
	assert.Equal(t, 5, limits["shop_db"].BurstSize)
	assert.Zero(t, fallback.RequestsPerSecond)
	assert.Equal(t, 5*time.Second, cfg.Executor.Timeouts().CallTimeout)
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad log level", content: "logging:\n  level: verbose\n"},
		{name: "postgres without dsn", content: "storage:\n  driver: postgres\n"},
		{name: "redis without addr", content: "cache:\n  driver: redis\n"},
		{name: "zero concurrency", content: "executor:\n  max_concurrent_per_connection: 0\n"},
		{name: "upload without bucket", content: "upload:\n  enabled: true\n  endpoint_url: http://minio:9000\n  access_key_id: a\n  secret_access_key: b\n"},
		{name: "backoff inverted", content: "executor:\n  initial_backoff: 10s\n  max_backoff: 1s\n"},
		{name: "bad compression", content: "events:\n  compression: brotli\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

const datasetYAML = `
datasets:
  - name: shop
    connection: shop_db
    collections:
      - name: users
        fields:
          - name: id
            primary_key: true
            data_categories: [system.operations]
          - name: email
            identity: email
            data_categories: [user.contact.email]
      - name: orders
        fields:
          - name: id
            primary_key: true
          - name: user_id
            references:
              - field: shop.users.id
                direction: from
      - name: addresses
        fields:
          - name: order_id
            references:
              - field: shop.orders.id
`

func TestParseDatasetsPreservesOrder(t *testing.T) {
	datasets, err := ParseDatasets([]byte(datasetYAML))
	require.NoError(t, err)
	require.Len(t, datasets, 1)

	ds := datasets[0]
	assert.Equal(t, "shop", ds.Name)
	assert.Equal(t, "shop_db", ds.ConnectionKey)
	require.Len(t, ds.Collections, 3)
	assert.Equal(t, "users", ds.Collections[0].Name)
	assert.Equal(t, "orders", ds.Collections[1].Name)
	assert.Equal(t, "addresses", ds.Collections[2].Name)

	users := ds.Collections[0]
	assert.True(t, users.Fields[0].PrimaryKey)
	assert.Equal(t, "email", users.Fields[1].Identity)
	assert.Equal(t, []string{"user.contact.email"}, users.Fields[1].DataCategories)

	userRef := ds.Collections[1].Fields[1].References[0]
	assert.Equal(t, domain.FieldAddress{Dataset: "shop", Collection: "users", Field: "id"}, userRef.Target)
	assert.Equal(t, domain.DirectionFrom, userRef.Direction)

	// An omitted direction means values flow to the referenced field.
	assert.Equal(t, domain.DirectionTo, ds.Collections[2].Fields[0].References[0].Direction)
}

func TestParseDatasetsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "no datasets", content: "datasets: []\n"},
		{name: "unknown key", content: "datasets:\n  - name: a\n    connection: c\n    colections: []\n"},
		{name: "missing connection", content: "datasets:\n  - name: a\n    collections:\n      - name: t\n        fields:\n          - name: id\n"},
		{name: "bad direction", content: "datasets:\n  - name: a\n    connection: c\n    collections:\n      - name: t\n        fields:\n          - name: id\n            references:\n              - field: a.t.id\n                direction: sideways\n"},
		{name: "bad address", content: "datasets:\n  - name: a\n    connection: c\n    collections:\n      - name: t\n        fields:\n          - name: id\n            references:\n              - field: a.t\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDatasets([]byte(tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestParseDatasetsRejectsUnknownReferenceTarget(t *testing.T) {
	content := "datasets:\n  - name: a\n    connection: c\n    collections:\n      - name: t\n        fields:\n          - name: id\n            references:\n              - field: a.missing.id\n"
	_, err := ParseDatasets([]byte(content))
	require.Error(t, err)
	var graphErr *domain.GraphError
	assert.ErrorAs(t, err, &graphErr)
}

func TestLoadPolicies(t *testing.T) {
	path := writeFile(t, t.TempDir(), "policies.yaml", `
policies:
  - key: default_erasure
    type: Erasure
    rules:
      - data_category: user.contact
        action: MASK
        strategy: hash
        strategy_config:
          algorithm: SHA-512
      - data_category: user.name
        action: erase
    mandatory_collections: [shop:users]
  - key: default_access
    type: access
    rules:
      - data_category: user
        action: include
`)
	policies, err := LoadPolicies(path)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	erasure := policies["default_erasure"]
	assert.Equal(t, domain.ActionErasure, erasure.Type)
	assert.Equal(t, domain.RuleMask, erasure.Rules[0].Action)
	assert.Equal(t, "SHA-512", erasure.Rules[0].StrategyConfig["algorithm"])
	assert.Equal(t, []domain.CollectionAddress{{Dataset: "shop", Collection: "users"}}, erasure.MandatoryCollections)
	assert.Equal(t, domain.ActionAccess, policies["default_access"].Type)
}

func TestParsePoliciesErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "duplicate", content: "policies:\n  - key: p\n    type: access\n  - key: p\n    type: access\n"},
		{name: "bad type", content: "policies:\n  - key: p\n    type: delete\n"},
		{name: "bad action", content: "policies:\n  - key: p\n    type: access\n    rules:\n      - data_category: user\n        action: shred\n"},
		{name: "bad mandatory", content: "policies:\n  - key: p\n    type: erasure\n    mandatory_collections: [users]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestLoadConnections(t *testing.T) {
	path := writeFile(t, t.TempDir(), "connections.yaml", `
connections:
  - key: shop_db
    type: postgres
    secrets:
      host: db.internal
      password: hunter2
  - key: crm
    name: CRM
    type: memory
`)
	specs, err := LoadConnections(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "hunter2", specs[0].Secrets["password"])

	cfg := specs[0].Config()
	assert.Equal(t, "shop_db", cfg.Name)
	assert.Nil(t, cfg.EncryptedSecrets)
	assert.Equal(t, "CRM", specs[1].Config().Name)

	_, err = ParseConnections([]byte("connections:\n  - key: a\n    type: memory\n  - key: a\n    type: memory\n"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, err = ParseConnections([]byte("connections:\n  - key: a\n"))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestLoadRegoModules(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "p.rego", "package privacy\n")
	modules, err := LoadRegoModules([]string{path})
	require.NoError(t, err)
	assert.Equal(t, "package privacy\n", modules[path])

	_, err = LoadRegoModules([]string{filepath.Join(dir, "missing.rego")})
	assert.Error(t, err)
}

func TestDatasetProviderReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "datasets.yaml", datasetYAML)

	p, err := NewDatasetProvider(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	first := p.Current()
	assert.Equal(t, int64(1), first.Generation)
	require.Len(t, first.Datasets[0].Collections, 3)
	require.Len(t, p.Datasets(), 1)

	updates := p.Subscribe()
	<-updates

	trimmed := "datasets:\n  - name: shop\n    connection: shop_db\n    collections:\n      - name: users\n        fields:\n          - name: email\n            identity: email\n"
	require.NoError(t, os.WriteFile(path, []byte(trimmed), 0o600))

	select {
	case snap := <-updates:
		assert.Equal(t, int64(2), snap.Generation)
		assert.Len(t, snap.Datasets[0].Collections, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("dataset provider did not reload")
	}

	// The first snapshot is unaffected by the reload.
	assert.Len(t, first.Datasets[0].Collections, 3)
}

func TestDatasetProviderKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "datasets.yaml", datasetYAML)

	p, err := NewDatasetProvider(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, os.WriteFile(path, []byte("datasets: [\n"), 0o600))
	time.Sleep(300 * time.Millisecond)

	snap := p.Current()
	assert.Equal(t, int64(1), snap.Generation)
	assert.Len(t, snap.Datasets[0].Collections, 3)
}

func TestNewDatasetProviderRequiresValidFile(t *testing.T) {
	_, err := NewDatasetProvider(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
