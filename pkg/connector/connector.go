// Package connector defines the uniform contract the execution coordinator uses
// to query and mask collections in any data store.
//
// Adapters register a Factory per connection type; the coordinator never
// branches on the type itself. Adapters classify their failures as transient,
// permanent or authentication errors so the coordinator can decide whether to
// retry.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/masking"
)

// Connector is an open handle to one data store.
type Connector interface {
	// Query returns rows of the collection matching any of the filters.
	Query(ctx context.Context, req QueryRequest) ([]domain.Row, error)
	// Mask rewrites the target fields and returns the number of affected rows.
	Mask(ctx context.Context, req MaskRequest) (int, error)
	// Test verifies the store is reachable with the configured credentials.
	Test(ctx context.Context) error
	Close() error
}

// Credentials exposes decrypted secret values to a factory. Implementations
// are only valid for the duration of the call that handed them out.
type Credentials interface {
	Get(key string) (string, bool)
}

// Factory opens a connector for a connection.
type Factory func(cfg domain.ConnectionConfig, creds Credentials) (Connector, error)

// QueryRequest selects rows where at least one filter field holds one of its
// values. Filter fields with no values are ignored.
type QueryRequest struct {
	Collection domain.Collection
	Filters    map[string][]any
}

// MaskRequest rewrites Targets. With Rows set, each row is updated by primary
// key using values derived from the row itself; otherwise a single set-based
// update runs over Filters.
type MaskRequest struct {
	Collection domain.Collection
	Filters    map[string][]any
	Rows       []domain.Row
	Targets    []masking.Target
}

// ActiveFilters returns the filter fields that carry values, sorted by the
// collection's field order so generated statements are stable.
func ActiveFilters(collection domain.Collection, filters map[string][]any) []string {
	var fields []string
	for _, name := range collection.FieldNames() {
		if len(filters[name]) > 0 {
			fields = append(fields, name)
		}
	}
	return fields
}

// MaskedValues computes the replacement for every target of one row. A nil
// row is allowed for strategies that ignore the original value.
func MaskedValues(targets []masking.Target, row domain.Row) (map[string]any, error) {
	values := make(map[string]any, len(targets))
	for _, target := range targets {
		var original any
		if row != nil {
			original = row[target.Field]
		}
		masked, err := target.Strategy.Mask(original)
		if err != nil {
			return nil, fmt.Errorf("mask field %s: %w", target.Field, err)
		}
		values[target.Field] = masked
	}
	return values, nil
}

// Transient wraps err as a retryable connector failure.
func Transient(connection, op string, err error) error {
	return &domain.ConnectorError{Kind: domain.ConnectorTransient, Connection: connection, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable connector failure.
func Permanent(connection, op string, err error) error {
	return &domain.ConnectorError{Kind: domain.ConnectorPermanent, Connection: connection, Op: op, Err: err}
}

// AuthFailure wraps err as a credential rejection.
func AuthFailure(connection, op string, err error) error {
	return &domain.ConnectorError{Kind: domain.ConnectorAuthFailure, Connection: connection, Op: op, Err: err}
}

// Classify returns the kind of a connector failure. Unclassified errors are
// treated as permanent unless they are deadline expirations.
func Classify(err error) domain.ConnectorErrorKind {
	var connErr *domain.ConnectorError
	if errors.As(err, &connErr) {
		return connErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ConnectorTransient
	}
	return domain.ConnectorPermanent
}

// MapCredentials adapts a plain map, used by tests and the CLI demo store.
type MapCredentials map[string]string

// Get implements Credentials.
func (m MapCredentials) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}
