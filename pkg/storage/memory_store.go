package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// MemoryRequestStore is an in-memory implementation of RequestStore.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*domain.PrivacyRequest
	logs     map[string]map[domain.LogKey]*domain.ExecutionLog
	seq      map[string]map[domain.LogKey]int
	next     int
	now      func() time.Time
}

// NewMemoryRequestStore creates a new MemoryRequestStore.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*domain.PrivacyRequest),
		logs:     make(map[string]map[domain.LogKey]*domain.ExecutionLog),
		seq:      make(map[string]map[domain.LogKey]int),
		now:      time.Now,
	}
}

// CreateRequest stores a new request. Ids must be unique.
func (s *MemoryRequestStore) CreateRequest(_ context.Context, req *domain.PrivacyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("privacy request already exists: %s", req.ID)
	}
	stored := req.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.requests[req.ID] = stored
	return nil
}

// GetRequest retrieves a copy of a request.
func (s *MemoryRequestStore) GetRequest(_ context.Context, id string) (*domain.PrivacyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	return req.Clone(), nil
}

// UpdateRequest replaces a stored request.
func (s *MemoryRequestStore) UpdateRequest(_ context.Context, req *domain.PrivacyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, req.ID)
	}
	stored := req.Clone()
	stored.UpdatedAt = s.now()
	s.requests[req.ID] = stored
	return nil
}

// SaveExecutionLog upserts a log entry.
func (s *MemoryRequestStore) SaveExecutionLog(_ context.Context, log *domain.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[log.RequestID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, log.RequestID)
	}
	logs, ok := s.logs[log.RequestID]
	if !ok {
		logs = make(map[domain.LogKey]*domain.ExecutionLog)
		s.logs[log.RequestID] = logs
		s.seq[log.RequestID] = make(map[domain.LogKey]int)
	}

	key := log.Key()
	stored := cloneLog(log)
	now := s.now()
	if existing, ok := logs[key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		s.next++
		s.seq[log.RequestID][key] = s.next
	}
	stored.UpdatedAt = now
	logs[key] = stored
	return nil
}

// ListExecutionLogs returns copies of the logs of a request in insertion order.
func (s *MemoryRequestStore) ListExecutionLogs(_ context.Context, requestID string) ([]domain.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.logs[requestID]
	out := make([]domain.ExecutionLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, *cloneLog(l))
	}
	seq := s.seq[requestID]
	sort.Slice(out, func(i, j int) bool {
		return seq[out[i].Key()] < seq[out[j].Key()]
	})
	return out, nil
}

// Close is a no-op for memory store.
func (s *MemoryRequestStore) Close() error {
	return nil
}

func cloneLog(l *domain.ExecutionLog) *domain.ExecutionLog {
	clone := *l
	clone.FieldsAffected = append([]string(nil), l.FieldsAffected...)
	return &clone
}

// MemoryConnectionRepository is an in-memory implementation of ConnectionRepository.
type MemoryConnectionRepository struct {
	mu          sync.RWMutex
	connections map[string]domain.ConnectionConfig
}

// NewMemoryConnectionRepository creates an empty repository.
func NewMemoryConnectionRepository() *MemoryConnectionRepository {
	return &MemoryConnectionRepository{
		connections: make(map[string]domain.ConnectionConfig),
	}
}

// GetConnection retrieves a connection from memory.
func (r *MemoryConnectionRepository) GetConnection(_ context.Context, key string) (domain.ConnectionConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.connections[key]
	if !ok {
		return domain.ConnectionConfig{}, fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, key)
	}
	return cloneConnection(cfg), nil
}

// SaveConnection saves a connection to memory.
func (r *MemoryConnectionRepository) SaveConnection(_ context.Context, cfg domain.ConnectionConfig) error {
	if cfg.Key == "" {
		return fmt.Errorf("%w: connection key is required", domain.ErrConfigInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.connections[cfg.Key]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.Status == "" {
		cfg.Status = domain.ConnectionUntested
	}
	cfg.UpdatedAt = now
	r.connections[cfg.Key] = cloneConnection(cfg)
	return nil
}

// UpdateStatus records the outcome of a connection test.
func (r *MemoryConnectionRepository) UpdateStatus(_ context.Context, key string, status domain.ConnectionStatus, testedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.connections[key]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, key)
	}
	cfg.Status = status
	cfg.LastTestedAt = testedAt
	cfg.UpdatedAt = testedAt
	r.connections[key] = cfg
	return nil
}

// ListConnections returns all connections sorted by key.
func (r *MemoryConnectionRepository) ListConnections(_ context.Context) ([]domain.ConnectionConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ConnectionConfig, 0, len(r.connections))
	for _, cfg := range r.connections {
		out = append(out, cloneConnection(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneConnection(cfg domain.ConnectionConfig) domain.ConnectionConfig {
	cfg.EncryptedSecrets = append([]byte(nil), cfg.EncryptedSecrets...)
	return cfg
}

// MemoryResultCache is an in-memory implementation of ResultCache.
type MemoryResultCache struct {
	mu      sync.RWMutex
	results map[string]map[string][]domain.Row
}

// NewMemoryResultCache creates an empty cache.
func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{
		results: make(map[string]map[string][]domain.Row),
	}
}

// Put stores a copy of rows.
func (c *MemoryResultCache) Put(_ context.Context, requestID string, key domain.LogKey, rows []domain.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.results[requestID]
	if !ok {
		entries = make(map[string][]domain.Row)
		c.results[requestID] = entries
	}
	entries[cacheField(key)] = cloneRows(rows)
	return nil
}

// Get returns a copy of the cached rows.
func (c *MemoryResultCache) Get(_ context.Context, requestID string, key domain.LogKey) ([]domain.Row, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, ok := c.results[requestID][cacheField(key)]
	if !ok {
		return nil, false, nil
	}
	return cloneRows(rows), true, nil
}

// Delete drops every entry of a request.
func (c *MemoryResultCache) Delete(_ context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, requestID)
	return nil
}

func cloneRows(rows []domain.Row) []domain.Row {
	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}
