// Package sqldb implements connectors for relational stores on top of sqlx
// and go-sqlbuilder. Statements are built per flavor so the same code serves
// Postgres and MySQL; only placeholder style and driver errors differ.
package sqldb

import (
	"context"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/masking"
)

// Conn is a connector over one database handle.
type Conn struct {
	db     *sqlx.DB
	flavor sqlbuilder.Flavor
	key    string
}

// New wraps an open handle. The caller gives up ownership; Close closes db.
func New(db *sqlx.DB, flavor sqlbuilder.Flavor, connectionKey string) *Conn {
	return &Conn{db: db, flavor: flavor, key: connectionKey}
}

// Query implements connector.Connector.
func (c *Conn) Query(ctx context.Context, req connector.QueryRequest) ([]domain.Row, error) {
	active := connector.ActiveFilters(req.Collection, req.Filters)
	if len(active) == 0 {
		return nil, nil
	}

	sb := c.flavor.NewSelectBuilder()
	sb.Select(req.Collection.FieldNames()...)
	sb.From(req.Collection.Name)
	sb.Where(sb.Or(inClauses(&sb.Cond, active, req.Filters)...))

	query, args := sb.Build()
	rows, err := c.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(c.key, "query", err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		record := make(map[string]any)
		if err := rows.MapScan(record); err != nil {
			return nil, classify(c.key, "query", err)
		}
		out = append(out, normalize(record))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(c.key, "query", err)
	}
	return out, nil
}

// Mask implements connector.Connector. Row-based masks run in one transaction
// so a failure leaves the collection untouched.
func (c *Conn) Mask(ctx context.Context, req connector.MaskRequest) (int, error) {
	if len(req.Targets) == 0 {
		return 0, nil
	}
	if len(req.Rows) > 0 {
		return c.maskRows(ctx, req)
	}

	active := connector.ActiveFilters(req.Collection, req.Filters)
	if len(active) == 0 {
		return 0, nil
	}
	values, err := connector.MaskedValues(req.Targets, nil)
	if err != nil {
		return 0, connector.Permanent(c.key, "mask", err)
	}

	ub := c.flavor.NewUpdateBuilder()
	ub.Update(req.Collection.Name)
	ub.Set(assignments(ub, req.Targets, values)...)
	ub.Where(ub.Or(inClauses(&ub.Cond, active, req.Filters)...))

	query, args := ub.Build()
	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(c.key, "mask", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (c *Conn) maskRows(ctx context.Context, req connector.MaskRequest) (int, error) {
	keys := req.Collection.PrimaryKeys()
	if len(keys) == 0 {
		return 0, connector.Permanent(c.key, "mask", fmt.Errorf("collection %s has no primary key", req.Collection.Name))
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, classify(c.key, "mask", err)
	}
	defer func() { _ = tx.Rollback() }()

	total := 0
	for _, row := range req.Rows {
		values, err := connector.MaskedValues(req.Targets, row)
		if err != nil {
			return 0, connector.Permanent(c.key, "mask", err)
		}

		ub := c.flavor.NewUpdateBuilder()
		ub.Update(req.Collection.Name)
		ub.Set(assignments(ub, req.Targets, values)...)
		where := make([]string, 0, len(keys))
		for _, k := range keys {
			where = append(where, ub.Equal(k, row[k]))
		}
		ub.Where(where...)

		query, args := ub.Build()
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, classify(c.key, "mask", err)
		}
		affected, _ := result.RowsAffected()
		total += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(c.key, "mask", err)
	}
	return total, nil
}

// Test implements connector.Connector.
func (c *Conn) Test(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return classify(c.key, "test", err)
	}
	return nil
}

// Close implements connector.Connector.
func (c *Conn) Close() error {
	return c.db.Close()
}

func inClauses(cond *sqlbuilder.Cond, fields []string, filters map[string][]any) []string {
	clauses := make([]string, 0, len(fields))
	for _, f := range fields {
		clauses = append(clauses, cond.In(f, filters[f]...))
	}
	return clauses
}

func assignments(ub *sqlbuilder.UpdateBuilder, targets []masking.Target, values map[string]any) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, ub.Assign(t.Field, values[t.Field]))
	}
	return out
}

func normalize(record map[string]any) domain.Row {
	row := make(domain.Row, len(record))
	for k, v := range record {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
			continue
		}
		row[k] = v
	}
	return row
}
