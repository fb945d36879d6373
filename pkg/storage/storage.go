// Package storage persists privacy requests, their execution logs, cached
// node results and connection configurations.
package storage

import (
	"context"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// RequestStore persists requests and their per-node execution logs.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *domain.PrivacyRequest) error
	// GetRequest returns domain.ErrRequestNotFound for an unknown id.
	GetRequest(ctx context.Context, id string) (*domain.PrivacyRequest, error)
	UpdateRequest(ctx context.Context, req *domain.PrivacyRequest) error
	// SaveExecutionLog upserts by (request, collection, action).
	SaveExecutionLog(ctx context.Context, log *domain.ExecutionLog) error
	// ListExecutionLogs returns the logs of a request ordered by creation.
	ListExecutionLogs(ctx context.Context, requestID string) ([]domain.ExecutionLog, error)
	Close() error
}

// ResultCache keeps the rows a node produced so a resumed request can rebuild
// its inputs without querying completed collections again.
type ResultCache interface {
	Put(ctx context.Context, requestID string, key domain.LogKey, rows []domain.Row) error
	// Get reports false when nothing was cached for the key.
	Get(ctx context.Context, requestID string, key domain.LogKey) ([]domain.Row, bool, error)
	Delete(ctx context.Context, requestID string) error
}

// ConnectionRepository stores connection configurations with sealed secrets.
type ConnectionRepository interface {
	// GetConnection returns domain.ErrConnectionNotFound for an unknown key.
	GetConnection(ctx context.Context, key string) (domain.ConnectionConfig, error)
	SaveConnection(ctx context.Context, cfg domain.ConnectionConfig) error
	UpdateStatus(ctx context.Context, key string, status domain.ConnectionStatus, testedAt time.Time) error
	ListConnections(ctx context.Context) ([]domain.ConnectionConfig, error)
}

func cacheField(key domain.LogKey) string {
	return key.Collection.String() + "|" + string(key.Action)
}
