package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/events"
	"github.com/polisai/polis-privacy/pkg/planner"
	"github.com/polisai/polis-privacy/pkg/telemetry"
)

// nodeRun carries what one node execution needs. Errors returned by its
// methods are state store failures; connector failures are recorded in the
// execution log instead.
type nodeRun struct {
	e      *Executor
	state  *runState
	node   *planner.PlannedNode
	action domain.ActionType
	span   trace.Span
	start  time.Time
}

func (e *Executor) runNode(ctx context.Context, state *runState, pn *planner.PlannedNode, action domain.ActionType) error {
	ctx, span := e.tracer.Start(ctx, "privacy.node", trace.WithAttributes(
		attribute.String("privacy.request.id", state.request.ID),
		attribute.String("privacy.collection", pn.Address.String()),
		attribute.String("privacy.connection", pn.ConnectionKey),
		attribute.String("privacy.action", string(action)),
	))
	defer span.End()

	n := &nodeRun{e: e, state: state, node: pn, action: action, span: span, start: e.now()}
	if action == domain.ActionErasure {
		return n.erase(ctx)
	}
	return n.access(ctx)
}

func (n *nodeRun) key() domain.LogKey {
	return domain.LogKey{Collection: n.node.Address, Action: n.action}
}

func (n *nodeRun) access(ctx context.Context) error {
	prev := n.state.log(n.key())
	filters, provided := n.state.inputs(n.node)
	n.state.setFilters(n.node.Address, filters)

	if prev.Status == domain.ExecutionComplete {
		rows, ok, err := n.e.results.Get(ctx, n.state.request.ID, n.key())
		if err != nil {
			n.e.logger.Warn("result cache read failed, re-running node",
				"request_id", n.state.request.ID, "collection", n.node.Address.String(), "error", err)
		}
		if ok {
			n.state.recordRows(n.node, rows)
			n.state.setLog(prev)
			n.finish(ctx, telemetry.OutcomeCached, 0, 0)
			return nil
		}
	}

	if !provided {
		return n.skip(ctx, prev, "no predecessor produced values")
	}
	if len(filters) == 0 {
		n.state.recordRows(n.node, nil)
		return n.complete(ctx, prev, 0, 0, nil, telemetry.OutcomeNoMatch)
	}

	var rows []domain.Row
	prev, meta, err := n.invoke(ctx, prev, func(ctx context.Context, conn connector.Connector) error {
		var qerr error
		rows, qerr = conn.Query(ctx, connector.QueryRequest{Collection: n.node.Node.Collection, Filters: filters})
		return qerr
	})
	if err != nil {
		return n.fail(ctx, prev, meta, 0, err)
	}

	if err := n.e.results.Put(ctx, n.state.request.ID, n.key(), rows); err != nil {
		n.e.logger.Warn("result cache write failed, resume will re-run node",
			"request_id", n.state.request.ID, "collection", n.node.Address.String(), "error", err)
	}
	n.state.recordRows(n.node, rows)
	return n.complete(ctx, prev, len(rows), 0, nil, meta.outcome)
}

func (n *nodeRun) erase(ctx context.Context) error {
	prev := n.state.log(n.key())
	if prev.Status == domain.ExecutionComplete {
		n.finish(ctx, telemetry.OutcomeCached, 0, 0)
		return nil
	}

	if n.state.status(n.node.Address, domain.ActionAccess) != domain.ExecutionComplete {
		return n.skip(ctx, prev, "access step did not complete")
	}
	for _, dep := range n.node.ErasureDeps {
		if status := n.state.status(dep, domain.ActionErasure); status != domain.ExecutionComplete {
			return n.skip(ctx, prev, fmt.Sprintf("dependent collection %s is %s", dep, status))
		}
	}

	rows := n.state.rowsFor(n.node.Address)
	if len(n.node.MaskTargets) == 0 || len(rows) == 0 {
		return n.complete(ctx, prev, len(rows), 0, nil, telemetry.OutcomeNoMatch)
	}

	req := n.maskRequest(rows)
	fields := make([]string, len(n.node.MaskTargets))
	for i, t := range n.node.MaskTargets {
		fields[i] = t.Field
	}

	var affected int
	prev, meta, err := n.invoke(ctx, prev, func(ctx context.Context, conn connector.Connector) error {
		count, merr := conn.Mask(ctx, req)
		// Partial counts are kept across attempts so every mutation is logged.
		affected += count
		return merr
	})
	if err != nil {
		prev.FieldsAffected = fields
		return n.fail(ctx, prev, meta, affected, err)
	}
	return n.complete(ctx, prev, len(rows), affected, fields, meta.outcome)
}

// maskRequest selects rows by primary key when possible. Strategies that
// need the original value, and composite keys, are masked row by row.
func (n *nodeRun) maskRequest(rows []domain.Row) connector.MaskRequest {
	collection := n.node.Node.Collection
	req := connector.MaskRequest{Collection: collection, Targets: n.node.MaskTargets}

	keys := collection.PrimaryKeys()
	switch {
	case n.node.NeedsRowData || len(keys) > 1:
		req.Rows = rows
	case len(keys) == 1:
		set := newValueSet()
		for _, row := range rows {
			set.add(row[keys[0]])
		}
		req.Filters = map[string][]any{keys[0]: set.items}
	default:
		req.Filters = n.state.filtersFor(n.node.Address)
	}
	return req
}

// invoke marks the node in progress and runs op through the governor, logging
// each retry.
func (n *nodeRun) invoke(ctx context.Context, prev domain.ExecutionLog, op callFunc) (domain.ExecutionLog, callMeta, error) {
	base := prev.Attempts
	prev.Status = domain.ExecutionInProgress
	prev.LastError = ""
	if err := n.save(ctx, prev); err != nil {
		return prev, callMeta{}, err
	}
	n.publish(ctx, prev, "")

	n.e.metrics.NodeStarted(n.node.ConnectionKey)
	defer n.e.metrics.NodeFinished(n.node.ConnectionKey)

	var saveErr error
	meta, err := n.e.gov.call(ctx, n.node.ConnectionKey, string(n.action), op, func(attempt int, delay time.Duration, err error) {
		prev.Status = domain.ExecutionRetrying
		prev.Attempts = base + attempt
		prev.LastError = err.Error()
		n.e.logger.Warn("connector call failed, retrying",
			"request_id", n.state.request.ID,
			"collection", n.node.Address.String(),
			"connection", n.node.ConnectionKey,
			"action", n.action,
			"attempt", attempt,
			"delay", delay,
			"error_kind", connector.Classify(err),
		)
		if serr := n.save(ctx, prev); serr != nil && saveErr == nil {
			saveErr = serr
		}
		n.publish(ctx, prev, connector.Classify(err))
	})
	prev.Attempts = base + meta.attempts
	if saveErr != nil {
		return prev, meta, saveErr
	}
	return prev, meta, err
}

func (n *nodeRun) complete(ctx context.Context, l domain.ExecutionLog, rowCount, affected int, fields []string, outcome telemetry.Outcome) error {
	l.Status = domain.ExecutionComplete
	l.RowCount = rowCount
	l.AffectedCount = affected
	l.FieldsAffected = fields
	l.LastError = ""
	if err := n.save(ctx, l); err != nil {
		return err
	}
	n.publish(ctx, l, "")
	n.e.logger.Info("node complete",
		"request_id", n.state.request.ID,
		"collection", n.node.Address.String(),
		"action", n.action,
		"rows", rowCount,
		"affected", affected,
		"attempts", l.Attempts,
	)
	n.finish(ctx, outcome, l.Attempts, affected)
	return nil
}

func (n *nodeRun) fail(ctx context.Context, l domain.ExecutionLog, meta callMeta, affected int, cause error) error {
	if isStoreError(cause) {
		return cause
	}
	kind := connector.Classify(cause)
	var decErr *domain.DecryptionError
	if errors.As(cause, &decErr) {
		kind = ""
	}

	l.Status = domain.ExecutionError
	l.AffectedCount = affected
	l.LastError = cause.Error()
	if err := n.save(ctx, l); err != nil {
		return err
	}
	n.publish(ctx, l, kind)

	n.e.logger.Error("node failed",
		"request_id", n.state.request.ID,
		"collection", n.node.Address.String(),
		"connection", n.node.ConnectionKey,
		"action", n.action,
		"attempts", l.Attempts,
		"error_kind", kind,
		"error", cause,
	)
	telemetry.RecordNodeFailure(n.span, kind, l.Attempts, false)
	n.span.SetStatus(codes.Error, string(meta.outcome))
	n.finish(ctx, meta.outcome, l.Attempts, affected)
	return nil
}

func (n *nodeRun) skip(ctx context.Context, l domain.ExecutionLog, reason string) error {
	l.Status = domain.ExecutionSkipped
	l.LastError = reason
	if err := n.save(ctx, l); err != nil {
		return err
	}
	n.publish(ctx, l, "")
	n.e.logger.Warn("node skipped",
		"request_id", n.state.request.ID,
		"collection", n.node.Address.String(),
		"action", n.action,
		"reason", reason,
	)
	telemetry.RecordNodeFailure(n.span, "", l.Attempts, true)
	n.finish(ctx, telemetry.OutcomeSkipped, l.Attempts, 0)
	return nil
}

func (n *nodeRun) save(ctx context.Context, l domain.ExecutionLog) error {
	n.state.setLog(l)
	if err := n.e.requests.SaveExecutionLog(ctx, &l); err != nil {
		return &storeError{err: fmt.Errorf("save execution log %s/%s: %w", l.Collection, l.Action, err)}
	}
	return nil
}

func (n *nodeRun) publish(ctx context.Context, l domain.ExecutionLog, kind domain.ConnectorErrorKind) {
	err := n.e.events.Publish(ctx, events.Event{
		Type:       events.NodeStatus,
		RequestID:  l.RequestID,
		Collection: l.Collection.String(),
		Action:     string(l.Action),
		Status:     string(l.Status),
		Attempt:    l.Attempts,
		RowCount:   l.RowCount,
		Affected:   l.AffectedCount,
		ErrorKind:  string(kind),
	})
	if err != nil {
		n.e.logger.Warn("lifecycle event not published", "request_id", l.RequestID, "error", err)
	}
}

func (n *nodeRun) finish(ctx context.Context, outcome telemetry.Outcome, attempts, affected int) {
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	n.span.SetAttributes(attribute.String("privacy.node.outcome", string(outcome)))
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		Dataset:    n.node.Address.Dataset,
		Collection: n.node.Address.Collection,
		Connection: n.node.ConnectionKey,
		Action:     string(n.action),
		Outcome:    outcome,
		Duration:   n.e.now().Sub(n.start),
		Retries:    retries,
		Affected:   affected,
	})
	n.e.metrics.ObserveNode(string(n.action), outcome)
}

// storeError marks request state failures, which abort the run.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func isStoreError(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}
