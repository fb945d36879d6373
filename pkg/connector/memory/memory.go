// Package memory provides an in-memory connector backed by row tables. It is
// used by tests and the CLI demo mode, and supports fault injection and call
// accounting.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
)

// Type is the connection type this package registers.
const Type = "memory"

// Operation names used in call records and fault injection.
const (
	OpQuery = "query"
	OpMask  = "mask"
	OpTest  = "test"
)

// Call records one connector invocation.
type Call struct {
	Connection string
	Collection string
	Op         string
	Filters    map[string][]any
	Rows       int
}

type faultKey struct {
	connection string
	collection string
	op         string
}

// Store holds the tables of every memory connection, keyed by connection key.
type Store struct {
	mu      sync.Mutex
	tables  map[string]map[string][]domain.Row
	secrets map[string]map[string]string
	queued  map[faultKey][]error
	always  map[faultKey]error
	calls   []Call
	onCall  func(Call)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tables:  make(map[string]map[string][]domain.Row),
		secrets: make(map[string]map[string]string),
		queued:  make(map[faultKey][]error),
		always:  make(map[faultKey]error),
	}
}

// Factory returns the connector factory to register under Type.
func (s *Store) Factory() connector.Factory {
	return func(cfg domain.ConnectionConfig, creds connector.Credentials) (connector.Connector, error) {
		if cfg.Key == "" {
			return nil, errors.New("memory connector: connection key is required")
		}
		return &Conn{store: s, key: cfg.Key, creds: snapshot(s.requiredSecrets(cfg.Key), creds)}, nil
	}
}

// Register adds the memory factory to r.
func (s *Store) Register(r *connector.Registry) {
	r.Register(Type, s.Factory())
}

// Seed appends rows to a collection table.
func (s *Store) Seed(connection, collection string, rows ...domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables, ok := s.tables[connection]
	if !ok {
		tables = make(map[string][]domain.Row)
		s.tables[connection] = tables
	}
	for _, row := range rows {
		tables[collection] = append(tables[collection], row.Clone())
	}
}

// Rows returns a copy of a collection table.
func (s *Store) Rows(connection, collection string) []domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[connection][collection]
	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}

// RequireSecret makes Test and every call fail with an auth error unless the
// credentials carry key=value.
func (s *Store) RequireSecret(connection, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secrets[connection] == nil {
		s.secrets[connection] = make(map[string]string)
	}
	s.secrets[connection][key] = value
}

// FailNext queues errors returned by the next calls of op on the collection.
// An empty collection matches any collection.
func (s *Store) FailNext(connection, collection, op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := faultKey{connection: connection, collection: collection, op: op}
	s.queued[key] = append(s.queued[key], errs...)
}

// FailAlways makes every call of op on the collection return err. A nil err
// clears the fault.
func (s *Store) FailAlways(connection, collection, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := faultKey{connection: connection, collection: collection, op: op}
	if err == nil {
		delete(s.always, key)
		return
	}
	s.always[key] = err
}

// OnCall installs a hook invoked for every call before it executes.
func (s *Store) OnCall(fn func(Call)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCall = fn
}

// Calls returns the recorded calls in execution order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts recorded calls of op, optionally restricted to a collection.
func (s *Store) CallCount(op, collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		if c.Op == op && (collection == "" || c.Collection == collection) {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Store) requiredSecrets(connection string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	required := make(map[string]string, len(s.secrets[connection]))
	for k, v := range s.secrets[connection] {
		required[k] = v
	}
	return required
}

// begin records the call and returns an injected fault, if any.
func (s *Store) begin(call Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	hook := s.onCall

	var fault error
	for _, key := range []faultKey{
		{connection: call.Connection, collection: call.Collection, op: call.Op},
		{connection: call.Connection, op: call.Op},
	} {
		if queue := s.queued[key]; len(queue) > 0 {
			fault = queue[0]
			s.queued[key] = queue[1:]
			break
		}
		if err, ok := s.always[key]; ok {
			fault = err
			break
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return fault
}

// Conn is a connector bound to one memory connection.
type Conn struct {
	store *Store
	key   string
	// creds is the result of checking the credentials at open time; nil means accepted.
	creds error
	closed bool
}

// snapshot validates the credentials once so Conn never keeps secret values.
func snapshot(required map[string]string, creds connector.Credentials) error {
	for k, want := range required {
		if creds == nil {
			return fmt.Errorf("missing secret %q", k)
		}
		got, ok := creds.Get(k)
		if !ok || got != want {
			return fmt.Errorf("secret %q rejected", k)
		}
	}
	return nil
}

// Query implements connector.Connector.
func (c *Conn) Query(ctx context.Context, req connector.QueryRequest) ([]domain.Row, error) {
	if err := c.guard(ctx, Call{Connection: c.key, Collection: req.Collection.Name, Op: OpQuery, Filters: req.Filters}); err != nil {
		return nil, err
	}

	active := connector.ActiveFilters(req.Collection, req.Filters)
	if len(active) == 0 {
		return nil, nil
	}
	wanted := wantedValues(active, req.Filters)

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var out []domain.Row
	for _, row := range c.store.tables[c.key][req.Collection.Name] {
		if matches(row, active, wanted) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

// Mask implements connector.Connector.
func (c *Conn) Mask(ctx context.Context, req connector.MaskRequest) (int, error) {
	if err := c.guard(ctx, Call{Connection: c.key, Collection: req.Collection.Name, Op: OpMask, Filters: req.Filters, Rows: len(req.Rows)}); err != nil {
		return 0, err
	}
	if len(req.Targets) == 0 {
		return 0, nil
	}

	if len(req.Rows) > 0 {
		return c.maskRows(req)
	}

	active := connector.ActiveFilters(req.Collection, req.Filters)
	if len(active) == 0 {
		return 0, nil
	}
	values, err := connector.MaskedValues(req.Targets, nil)
	if err != nil {
		return 0, connector.Permanent(c.key, OpMask, err)
	}
	wanted := wantedValues(active, req.Filters)

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	affected := 0
	for _, row := range c.store.tables[c.key][req.Collection.Name] {
		if !matches(row, active, wanted) {
			continue
		}
		for field, v := range values {
			row[field] = v
		}
		affected++
	}
	return affected, nil
}

func (c *Conn) maskRows(req connector.MaskRequest) (int, error) {
	keys := req.Collection.PrimaryKeys()
	if len(keys) == 0 {
		return 0, connector.Permanent(c.key, OpMask, fmt.Errorf("collection %s has no primary key", req.Collection.Name))
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	table := c.store.tables[c.key][req.Collection.Name]
	affected := 0
	for _, source := range req.Rows {
		values, err := connector.MaskedValues(req.Targets, source)
		if err != nil {
			return affected, connector.Permanent(c.key, OpMask, err)
		}
		for _, row := range table {
			if !samePrimaryKey(row, source, keys) {
				continue
			}
			for field, v := range values {
				row[field] = v
			}
			affected++
		}
	}
	return affected, nil
}

// Test implements connector.Connector.
func (c *Conn) Test(ctx context.Context) error {
	return c.guard(ctx, Call{Connection: c.key, Op: OpTest})
}

// Close implements connector.Connector.
func (c *Conn) Close() error {
	c.closed = true
	return nil
}

func (c *Conn) guard(ctx context.Context, call Call) error {
	if c.closed {
		return connector.Permanent(c.key, call.Op, errors.New("connector is closed"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fault := c.store.begin(call); fault != nil {
		return fault
	}
	if c.creds != nil {
		return connector.AuthFailure(c.key, call.Op, c.creds)
	}
	return nil
}

func wantedValues(fields []string, filters map[string][]any) map[string]map[string]bool {
	wanted := make(map[string]map[string]bool, len(fields))
	for _, f := range fields {
		set := make(map[string]bool, len(filters[f]))
		for _, v := range filters[f] {
			set[domain.ValueKey(v)] = true
		}
		wanted[f] = set
	}
	return wanted
}

func matches(row domain.Row, fields []string, wanted map[string]map[string]bool) bool {
	for _, f := range fields {
		v, ok := row[f]
		if ok && wanted[f][domain.ValueKey(v)] {
			return true
		}
	}
	return false
}

func samePrimaryKey(a, b domain.Row, keys []string) bool {
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok || domain.ValueKey(av) != domain.ValueKey(bv) {
			return false
		}
	}
	return true
}
