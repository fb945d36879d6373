// Package upload delivers access request results to object storage.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/polisai/polis-privacy/pkg/domain"
)

// ObjectStore abstracts the object operations needed to publish results.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// Uploader stores the filtered rows of an access request and returns their location.
type Uploader interface {
	Upload(ctx context.Context, requestID string, results map[string][]domain.Row) (string, error)
}

// Config describes the results bucket.
type Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	Bucket          string
	Prefix          string
}

// ResultUploader writes one JSON document per request.
type ResultUploader struct {
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
}

// NewResultUploader builds an uploader over any object store.
func NewResultUploader(store ObjectStore, bucket, prefix string) *ResultUploader {
	if prefix == "" {
		prefix = "access-results"
	}
	return &ResultUploader{store: store, bucket: bucket, prefix: prefix, now: time.Now}
}

type document struct {
	RequestID   string                  `json:"request_id"`
	GeneratedAt time.Time               `json:"generated_at"`
	Collections []string                `json:"collections"`
	Results     map[string][]domain.Row `json:"results"`
}

// Upload implements Uploader.
func (u *ResultUploader) Upload(ctx context.Context, requestID string, results map[string][]domain.Row) (string, error) {
	if u.bucket == "" {
		return "", fmt.Errorf("upload: bucket is required")
	}

	collections := make([]string, 0, len(results))
	for name := range results {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	data, err := json.Marshal(document{
		RequestID:   requestID,
		GeneratedAt: u.now().UTC(),
		Collections: collections,
		Results:     results,
	})
	if err != nil {
		return "", fmt.Errorf("encode access results: %w", err)
	}

	if err := u.store.EnsureBucket(ctx, u.bucket); err != nil {
		return "", fmt.Errorf("ensure bucket %s: %w", u.bucket, err)
	}
	key := path.Join(u.prefix, requestID+".json")
	if err := u.store.PutObject(ctx, u.bucket, key, data); err != nil {
		return "", fmt.Errorf("upload access results: %w", err)
	}
	return "s3://" + u.bucket + "/" + key, nil
}

// S3Store implements ObjectStore with the minio-go SDK.
type S3Store struct {
	client *minio.Client
	region string
}

// NewS3Store creates a MinIO/S3 client from config.
func NewS3Store(cfg Config) (*S3Store, error) {
	if cfg.EndpointURL == "" {
		return nil, fmt.Errorf("upload: endpoint URL is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("upload: credentials are required")
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("upload: invalid endpoint URL: %w", err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL
	if u.Scheme == "https" {
		useSSL = true
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: create minio client: %w", err)
	}
	return &S3Store{client: client, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region})
}

// PutObject uploads data as a JSON object.
func (s *S3Store) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

// MemoryStore keeps objects in memory for tests and the CLI demo mode.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// EnsureBucket implements ObjectStore.
func (s *MemoryStore) EnsureBucket(ctx context.Context, _ string) error {
	return ctx.Err()
}

// PutObject implements ObjectStore.
func (s *MemoryStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

// Object returns a stored object.
func (s *MemoryStore) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}
