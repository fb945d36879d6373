package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/polisai/polis-privacy/pkg/domain"
)

const (
	requestsTable = "privacy_requests"
	logsTable     = "execution_logs"
)

// Schema creates the tables used by SQLRequestStore.
const Schema = `
CREATE TABLE IF NOT EXISTS privacy_requests (
	id          TEXT PRIMARY KEY,
	identity    TEXT NOT NULL,
	policy_key  TEXT NOT NULL,
	status      TEXT NOT NULL,
	interrupt   TEXT NOT NULL DEFAULT '',
	partial     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id              BIGSERIAL PRIMARY KEY,
	request_id      TEXT NOT NULL REFERENCES privacy_requests (id) ON DELETE CASCADE,
	dataset         TEXT NOT NULL,
	collection      TEXT NOT NULL,
	action          TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	row_count       INTEGER NOT NULL DEFAULT 0,
	affected_count  INTEGER NOT NULL DEFAULT 0,
	fields_affected TEXT[] NOT NULL DEFAULT '{}',
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (request_id, dataset, collection, action)
);
`

var requestColumns = []string{
	"id", "identity", "policy_key", "status", "interrupt", "partial",
	"created_at", "updated_at", "started_at", "finished_at",
}

var logColumns = []string{
	"request_id", "dataset", "collection", "action", "status", "attempts",
	"row_count", "affected_count", "fields_affected", "last_error",
	"created_at", "updated_at",
}

type requestRecord struct {
	ID         string       `db:"id"`
	Identity   string       `db:"identity"`
	PolicyKey  string       `db:"policy_key"`
	Status     string       `db:"status"`
	Interrupt  string       `db:"interrupt"`
	Partial    bool         `db:"partial"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
	StartedAt  sql.NullTime `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

type logRecord struct {
	RequestID      string         `db:"request_id"`
	Dataset        string         `db:"dataset"`
	Collection     string         `db:"collection"`
	Action         string         `db:"action"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	RowCount       int            `db:"row_count"`
	AffectedCount  int            `db:"affected_count"`
	FieldsAffected pq.StringArray `db:"fields_affected"`
	LastError      string         `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// SQLRequestStore persists requests in Postgres.
type SQLRequestStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLRequestStore wraps an open handle.
func NewSQLRequestStore(db *sqlx.DB, logger *slog.Logger) *SQLRequestStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRequestStore{db: db, logger: logger, now: time.Now}
}

// OpenSQLRequestStore connects to Postgres using lib/pq.
func OpenSQLRequestStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLRequestStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect request store: %w", err)
	}
	return NewSQLRequestStore(db, logger), nil
}

// EnsureSchema creates missing tables.
func (s *SQLRequestStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure request store schema: %w", err)
	}
	return nil
}

// CreateRequest inserts a new request.
func (s *SQLRequestStore) CreateRequest(ctx context.Context, req *domain.PrivacyRequest) error {
	now := s.now().UTC()
	created := req.CreatedAt
	if created.IsZero() {
		created = now
	}
	identity, err := json.Marshal(req.Identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(requestsTable)
	sb.Cols(requestColumns...)
	sb.Values(req.ID, string(identity), req.PolicyKey, string(req.Status), string(req.Interrupt), req.Partial,
		created, now, nullTime(req.StartedAt), nullTime(req.FinishedAt))

	query, args := sb.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error("failed to create privacy request", "request_id", req.ID, "error", err)
		return fmt.Errorf("create request %s: %w", req.ID, err)
	}
	return nil
}

// GetRequest loads a request by id.
func (s *SQLRequestStore) GetRequest(ctx context.Context, id string) (*domain.PrivacyRequest, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(requestColumns...)
	sb.From(requestsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var rec requestRecord
	if err := s.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
		}
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return rec.toDomain()
}

// UpdateRequest overwrites the mutable columns of a request.
func (s *SQLRequestStore) UpdateRequest(ctx context.Context, req *domain.PrivacyRequest) error {
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(requestsTable)
	sb.Set(
		sb.Assign("status", string(req.Status)),
		sb.Assign("interrupt", string(req.Interrupt)),
		sb.Assign("partial", req.Partial),
		sb.Assign("updated_at", s.now().UTC()),
		sb.Assign("started_at", nullTime(req.StartedAt)),
		sb.Assign("finished_at", nullTime(req.FinishedAt)),
	)
	sb.Where(sb.Equal("id", req.ID))

	query, args := sb.Build()
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to update privacy request", "request_id", req.ID, "error", err)
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, req.ID)
	}
	return nil
}

// SaveExecutionLog upserts a log entry keyed by request, collection and action.
func (s *SQLRequestStore) SaveExecutionLog(ctx context.Context, log *domain.ExecutionLog) error {
	now := s.now().UTC()
	created := log.CreatedAt
	if created.IsZero() {
		created = now
	}
	fields := pq.StringArray(log.FieldsAffected)
	if fields == nil {
		fields = pq.StringArray{}
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(logsTable)
	sb.Cols(logColumns...)
	sb.Values(log.RequestID, log.Collection.Dataset, log.Collection.Collection, string(log.Action),
		string(log.Status), log.Attempts, log.RowCount, log.AffectedCount, fields, log.LastError,
		created, now)

	query, args := sb.Build()
	query += ` ON CONFLICT (request_id, dataset, collection, action) DO UPDATE SET
		status = EXCLUDED.status,
		attempts = EXCLUDED.attempts,
		row_count = EXCLUDED.row_count,
		affected_count = EXCLUDED.affected_count,
		fields_affected = EXCLUDED.fields_affected,
		last_error = EXCLUDED.last_error,
		updated_at = EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error("failed to save execution log",
			"request_id", log.RequestID, "collection", log.Collection.String(), "error", err)
		return fmt.Errorf("save execution log %s/%s: %w", log.Collection, log.Action, err)
	}
	return nil
}

// ListExecutionLogs returns the logs of a request in insertion order.
func (s *SQLRequestStore) ListExecutionLogs(ctx context.Context, requestID string) ([]domain.ExecutionLog, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(logColumns...)
	sb.From(logsTable)
	sb.Where(sb.Equal("request_id", requestID))
	sb.OrderBy("id").Asc()

	query, args := sb.Build()
	var records []logRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list execution logs %s: %w", requestID, err)
	}

	logs := make([]domain.ExecutionLog, 0, len(records))
	for _, rec := range records {
		logs = append(logs, rec.toDomain())
	}
	return logs, nil
}

// Close closes the underlying handle.
func (s *SQLRequestStore) Close() error {
	return s.db.Close()
}

func (r requestRecord) toDomain() (*domain.PrivacyRequest, error) {
	req := &domain.PrivacyRequest{
		ID:         r.ID,
		PolicyKey:  r.PolicyKey,
		Status:     domain.RequestStatus(r.Status),
		Interrupt:  domain.Interrupt(r.Interrupt),
		Partial:    r.Partial,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		StartedAt:  r.StartedAt.Time,
		FinishedAt: r.FinishedAt.Time,
	}
	if r.Identity != "" {
		if err := json.Unmarshal([]byte(r.Identity), &req.Identity); err != nil {
			return nil, fmt.Errorf("decode identity of request %s: %w", r.ID, err)
		}
	}
	return req, nil
}

func (r logRecord) toDomain() domain.ExecutionLog {
	return domain.ExecutionLog{
		RequestID:      r.RequestID,
		Collection:     domain.CollectionAddress{Dataset: r.Dataset, Collection: r.Collection},
		Action:         domain.ActionType(r.Action),
		Status:         domain.ExecutionStatus(r.Status),
		Attempts:       r.Attempts,
		RowCount:       r.RowCount,
		AffectedCount:  r.AffectedCount,
		FieldsAffected: []string(r.FieldsAffected),
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
