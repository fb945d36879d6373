package upload

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultUploaderWritesDocument(t *testing.T) {
	store := NewMemoryStore()
	u := NewResultUploader(store, "privacy", "")
	u.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	location, err := u.Upload(context.Background(), "req-1", map[string][]domain.Row{
		"shop:users":  {{"email": "a@example.com"}},
		"shop:orders": {{"id": 1}, {"id": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://privacy/access-results/req-1.json", location)

	data, ok := store.Object("privacy", "access-results/req-1.json")
	require.True(t, ok)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "req-1", doc.RequestID)
	assert.Equal(t, []string{"shop:orders", "shop:users"}, doc.Collections)
	assert.Len(t, doc.Results["shop:orders"], 2)
}

func TestResultUploaderRequiresBucket(t *testing.T) {
	_, err := NewResultUploader(NewMemoryStore(), "", "p").Upload(context.Background(), "r", nil)
	assert.Error(t, err)
}

func TestNewS3StoreValidates(t *testing.T) {
	_, err := NewS3Store(Config{})
	assert.Error(t, err)
	_, err = NewS3Store(Config{EndpointURL: "http://localhost:9000"})
	assert.Error(t, err)

	store, err := NewS3Store(Config{EndpointURL: "https://minio.internal:9000", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.True(t, store.client.EndpointURL().Scheme == "https")
}
