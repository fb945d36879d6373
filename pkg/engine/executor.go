package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/events"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/masking"
	"github.com/polisai/polis-privacy/pkg/planner"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/storage"
	"github.com/polisai/polis-privacy/pkg/telemetry"
	"github.com/polisai/polis-privacy/pkg/upload"
)

// ErrRequestRunning is returned when Run is called for a request this
// executor is already running.
var ErrRequestRunning = errors.New("privacy request is already running")

// Executor drives privacy requests through their plans. One Executor is shared
// by all requests of a process so the per-connection limits hold globally.
type Executor struct {
	datasets   DatasetSource
	requests   storage.RequestStore
	results    storage.ResultCache
	strategies *masking.Registry
	policies   policy.Source
	events     events.Publisher
	uploader   upload.Uploader
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	gov        *governor
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string

	// mu serializes request record updates made by this process.
	mu      sync.Mutex
	running map[string]struct{}
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	cfg.withDefaults()

	return &Executor{
		datasets:   cfg.Datasets,
		requests:   cfg.Requests,
		results:    cfg.Results,
		strategies: cfg.Strategies,
		policies:   cfg.Policies,
		events:     cfg.Events,
		uploader:   cfg.Uploader,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		gov:        newGovernor(cfg),
		tracer:     otel.Tracer("privacy.engine"),
		now:        cfg.Now,
		newID:      cfg.NewID,
		running:    make(map[string]struct{}),
	}
}

// Submit records a new pending request.
func (e *Executor) Submit(ctx context.Context, identity map[string]string, policyKey string) (*domain.PrivacyRequest, error) {
	if policyKey == "" {
		return nil, errors.New("policy key is required")
	}
	clean := make(map[string]string, len(identity))
	for key, value := range identity {
		if value != "" {
			clean[key] = value
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("identity payload has no values")
	}

	now := e.now().UTC()
	req := &domain.PrivacyRequest{
		ID:        e.newID(),
		Identity:  clean,
		PolicyKey: policyKey,
		Status:    domain.RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create privacy request: %w", err)
	}
	e.logger.Info("privacy request submitted", "request_id", req.ID, "policy", policyKey)
	return req.Clone(), nil
}

// Run executes or resumes the request. When p is nil the request's policy key
// is resolved through the configured policy source.
//
// Graph and plan failures mark the request error and are returned. Connector
// failures never are: they are recorded per node and reflected in the result
// status. A cancelled ctx pauses the request at the next level boundary and
// returns the result together with ctx.Err().
func (e *Executor) Run(ctx context.Context, requestID string, p *domain.Policy) (*Result, error) {
	req, err := e.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == domain.RequestCancelled {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrRequestTerminal, requestID, req.Status)
	}
	if !e.claim(requestID) {
		return nil, fmt.Errorf("%w: %s", ErrRequestRunning, requestID)
	}
	defer e.release(requestID)

	ctx, span := e.tracer.Start(ctx, "privacy.request", trace.WithAttributes(
		attribute.String("privacy.request.id", req.ID),
	))
	defer span.End()
	span.SetAttributes(telemetry.IdentityAttributes(req.Identity)...)
	started := e.now()

	if p == nil {
		p, err = e.resolvePolicy(ctx, req.PolicyKey)
		if err != nil {
			return nil, e.abort(ctx, span, req, p, err)
		}
	}
	telemetry.RecordPolicy(span, p)

	plan, err := e.plan(req, p)
	if err != nil {
		return nil, e.abort(ctx, span, req, p, err)
	}

	if req.Interrupt != domain.InterruptNone {
		// Interrupts stored while the request was not running take effect now.
		return e.halt(ctx, span, req.ID, plan, nil, req.Interrupt, nil)
	}

	req, err = e.updateRequest(ctx, req.ID, func(r *domain.PrivacyRequest) {
		r.Status = domain.RequestInProcessing
		r.Partial = false
		r.FinishedAt = time.Time{}
		if r.StartedAt.IsZero() {
			r.StartedAt = e.now().UTC()
		}
	})
	if err != nil {
		return nil, err
	}
	e.publishRequest(ctx, events.RequestStarted, req)

	existing, err := e.requests.ListExecutionLogs(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	state := newRunState(req, plan, existing)

	e.logger.Info("executing privacy request",
		"request_id", req.ID,
		"policy", p.Key,
		"action", p.Type,
		"collections", len(plan.Nodes()),
		"access_levels", len(plan.AccessLevels),
		"erasure_levels", len(plan.ErasureLevels),
		"resumed_logs", len(existing),
	)

	for _, phase := range phases(plan) {
		for level, nodes := range phase.levels {
			if interrupt, cause := e.interrupted(ctx, req.ID); interrupt != domain.InterruptNone {
				return e.halt(ctx, span, req.ID, plan, state, interrupt, cause)
			}
			if err := e.runLevel(ctx, state, nodes, phase.action); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "request state store failed")
				return nil, fmt.Errorf("%s level %d: %w", phase.action, level, err)
			}
		}
	}

	return e.finish(ctx, span, plan, state, started)
}

type phase struct {
	action domain.ActionType
	levels [][]*planner.PlannedNode
}

// phases lists the work of a plan: access always runs, erasure follows it for
// erasure policies because masking needs the discovered rows.
func phases(plan *planner.Plan) []phase {
	out := []phase{{action: domain.ActionAccess, levels: plan.AccessLevels}}
	if plan.Action == domain.ActionErasure {
		out = append(out, phase{action: domain.ActionErasure, levels: plan.ErasureLevels})
	}
	return out
}

// runLevel executes the nodes of one level concurrently. Nodes run detached
// from ctx cancellation so an external store is never left mid-mutation; the
// per-call timeout still bounds each call. A node failing to record its state
// does not stop its siblings: the first such error is returned once every
// node of the level has finished.
func (e *Executor) runLevel(ctx context.Context, state *runState, nodes []*planner.PlannedNode, action domain.ActionType) error {
	nodeCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, pn := range nodes {
		g.Go(func() error {
			return e.runNode(nodeCtx, state, pn, action)
		})
	}
	return g.Wait()
}

func (e *Executor) resolvePolicy(ctx context.Context, key string) (*domain.Policy, error) {
	if e.policies == nil {
		return nil, fmt.Errorf("%w: %s (no policy source configured)", domain.ErrPolicyNotFound, key)
	}
	return e.policies.Policy(ctx, key)
}

func (e *Executor) plan(req *domain.PrivacyRequest, p *domain.Policy) (*planner.Plan, error) {
	if e.datasets == nil {
		return nil, &domain.GraphError{Reason: "no dataset declarations configured"}
	}
	g, err := graph.Build(e.datasets.Datasets(), req.Identity)
	if err != nil {
		return nil, err
	}
	return planner.Build(g, p, e.strategies)
}

// abort marks a request that could not start as error.
func (e *Executor) abort(ctx context.Context, span trace.Span, req *domain.PrivacyRequest, p *domain.Policy, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "request could not be planned")
	e.logger.Error("privacy request could not be planned", "request_id", req.ID, "policy", req.PolicyKey, "error", cause)

	updated, err := e.updateRequest(context.WithoutCancel(ctx), req.ID, func(r *domain.PrivacyRequest) {
		r.Status = domain.RequestError
		r.Interrupt = domain.InterruptNone
		r.FinishedAt = e.now().UTC()
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	e.publishRequest(ctx, events.RequestFinished, updated)
	e.metrics.ObserveRequest(actionOf(p), string(domain.RequestError), 0)
	return cause
}

// interrupted reports whether the run must stop before the next level. A
// cancelled ctx pauses unless a cancel was requested.
func (e *Executor) interrupted(ctx context.Context, requestID string) (domain.Interrupt, error) {
	current, err := e.requests.GetRequest(context.WithoutCancel(ctx), requestID)
	if err == nil && current.Interrupt != domain.InterruptNone {
		return current.Interrupt, nil
	}
	if err != nil {
		e.logger.Warn("could not read interrupt flag", "request_id", requestID, "error", err)
	}
	if cause := ctx.Err(); cause != nil {
		return domain.InterruptPause, cause
	}
	return domain.InterruptNone, nil
}

func (e *Executor) halt(ctx context.Context, span trace.Span, requestID string, plan *planner.Plan, state *runState, interrupt domain.Interrupt, cause error) (*Result, error) {
	status := domain.RequestPaused
	if interrupt == domain.InterruptCancel {
		status = domain.RequestCancelled
	}

	req, err := e.updateRequest(context.WithoutCancel(ctx), requestID, func(r *domain.PrivacyRequest) {
		r.Status = status
		r.Interrupt = domain.InterruptNone
		if status == domain.RequestCancelled {
			r.FinishedAt = e.now().UTC()
		}
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("privacy.request.status", string(status)))
	e.logger.Info("privacy request interrupted", "request_id", requestID, "status", status)
	if status == domain.RequestPaused {
		e.publishRequest(ctx, events.RequestPaused, req)
	} else {
		e.publishRequest(ctx, events.RequestFinished, req)
	}

	result := &Result{RequestID: requestID, Status: status}
	if state != nil {
		result.Logs = state.snapshotLogs()
	}
	e.metrics.ObserveRequest(string(plan.Action), string(status), 0)
	return result, cause
}

func (e *Executor) finish(ctx context.Context, span trace.Span, plan *planner.Plan, state *runState, started time.Time) (*Result, error) {
	logs := state.snapshotLogs()
	status, partial := terminalStatus(plan, logs)

	result := &Result{
		RequestID: state.request.ID,
		Status:    status,
		Partial:   partial,
		Logs:      logs,
	}
	if plan.Action == domain.ActionAccess {
		result.Data = accessData(plan, state)
		if e.uploader != nil {
			location, err := e.uploader.Upload(context.WithoutCancel(ctx), state.request.ID, result.Data)
			if err != nil {
				e.logger.Warn("access results not uploaded", "request_id", state.request.ID, "error", err)
			} else {
				result.Location = location
			}
		}
	}

	req, err := e.updateRequest(context.WithoutCancel(ctx), state.request.ID, func(r *domain.PrivacyRequest) {
		r.Status = status
		r.Partial = partial
		r.Interrupt = domain.InterruptNone
		r.FinishedAt = e.now().UTC()
	})
	if err != nil {
		return nil, err
	}

	elapsed := e.now().Sub(started)
	span.SetAttributes(
		attribute.String("privacy.request.status", string(status)),
		attribute.Bool("privacy.request.partial", partial),
	)
	if status == domain.RequestError {
		span.SetStatus(codes.Error, "mandatory collection did not complete")
	}
	e.publishRequest(ctx, events.RequestFinished, req)
	e.metrics.ObserveRequest(string(plan.Action), string(status), elapsed.Seconds())
	e.logger.Info("privacy request finished",
		"request_id", req.ID,
		"status", status,
		"partial", partial,
		"duration", elapsed,
	)
	return result, nil
}

// terminalStatus is error when a mandatory collection did not complete every
// phase, complete_with_errors when any node failed or was skipped, and
// complete otherwise.
func terminalStatus(plan *planner.Plan, logs []domain.ExecutionLog) (domain.RequestStatus, bool) {
	byKey := make(map[domain.LogKey]domain.ExecutionStatus, len(logs))
	partial := false
	for i := range logs {
		byKey[logs[i].Key()] = logs[i].Status
		if logs[i].Status.Failed() {
			partial = true
		}
	}

	for _, mandatory := range plan.Policy.MandatoryCollections {
		for _, ph := range phases(plan) {
			if byKey[domain.LogKey{Collection: mandatory, Action: ph.action}] != domain.ExecutionComplete {
				return domain.RequestError, true
			}
		}
	}
	if partial {
		return domain.RequestCompleteWithErrors, true
	}
	return domain.RequestComplete, false
}

// updateRequest re-reads the stored request before applying mutate so that
// interrupts recorded concurrently are not lost.
func (e *Executor) updateRequest(ctx context.Context, id string, mutate func(*domain.PrivacyRequest)) (*domain.PrivacyRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(req)
	req.UpdatedAt = e.now().UTC()
	if err := e.requests.UpdateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("update privacy request %s: %w", id, err)
	}
	return req, nil
}

// RequestPause asks a running request to pause at its next level boundary. A
// request that is not running is paused immediately.
func (e *Executor) RequestPause(ctx context.Context, id string) error {
	return e.interrupt(ctx, id, domain.InterruptPause)
}

// RequestCancel asks a running request to stop at its next level boundary. A
// request that is not running is cancelled immediately.
func (e *Executor) RequestCancel(ctx context.Context, id string) error {
	return e.interrupt(ctx, id, domain.InterruptCancel)
}

func (e *Executor) interrupt(ctx context.Context, id string, interrupt domain.Interrupt) error {
	var (
		running  bool
		terminal domain.RequestStatus
	)
	req, err := e.updateRequest(ctx, id, func(r *domain.PrivacyRequest) {
		// mutate runs under e.mu, so a concurrent claim cannot slip in between.
		_, running = e.running[id]
		if r.Status.Terminal() {
			terminal = r.Status
			return
		}
		switch {
		case running:
			r.Interrupt = interrupt
		case interrupt == domain.InterruptCancel:
			r.Status = domain.RequestCancelled
			r.Interrupt = domain.InterruptNone
			r.FinishedAt = e.now().UTC()
		default:
			r.Status = domain.RequestPaused
			r.Interrupt = domain.InterruptNone
		}
	})
	if err != nil {
		return err
	}
	if terminal != "" {
		return fmt.Errorf("%w: %s is %s", domain.ErrRequestTerminal, id, terminal)
	}

	e.logger.Info("privacy request interrupt recorded", "request_id", id, "interrupt", interrupt, "running", running)
	if !running {
		typ := events.RequestPaused
		if req.Status == domain.RequestCancelled {
			typ = events.RequestFinished
		}
		e.publishRequest(ctx, typ, req)
	}
	return nil
}

func (e *Executor) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *Executor) publishRequest(ctx context.Context, typ events.Type, req *domain.PrivacyRequest) {
	if req == nil {
		return
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), events.Event{
		Type:      typ,
		RequestID: req.ID,
		Status:    string(req.Status),
	}); err != nil {
		e.logger.Warn("lifecycle event not published", "request_id", req.ID, "event", typ, "error", err)
	}
}

func actionOf(p *domain.Policy) string {
	if p == nil {
		return "unknown"
	}
	return string(p.Type)
}
