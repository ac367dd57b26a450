package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"actionline/internal/activity"
	"actionline/internal/audit"
	"actionline/internal/catalog"
	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/effects"
	"actionline/internal/engine/auth"
	"actionline/internal/observability"
)

const idempotencyCacheSize = 1024

// Engine resolves, executes and approves actions. It is safe for concurrent
// use; each Execute runs on the caller's goroutine.
type Engine struct {
	Config  *config.Config
	Catalog catalog.Resolver
	Gate    auth.Gate
	Audit   *audit.Store
	Tracker *activity.Tracker
	Effects effects.Executor
	Logger  *zap.Logger
	Now     func() time.Time

	mu        sync.Mutex
	approvals map[string]*domain.PendingApproval
	runs      map[string]runSpec // activity id -> what to re-run on retry

	flight   singleflight.Group
	executed *lru.Cache[string, domain.ExecutionResult]
	decided  *lru.Cache[string, DecisionOutcome]
}

// Options override the components New builds from config.
type Options struct {
	Logger  *zap.Logger
	Effects effects.Executor
	Sink    audit.Sink
	Now     func() time.Time
}

type runSpec struct {
	def domain.ActionDefinition
	ctx domain.ActionContext
}

func New(cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	exec := opts.Effects
	if exec == nil {
		exec = effects.Simulated{}
	}
	store := audit.NewStore(cfg.Audit.Capacity)
	store.Sink = opts.Sink
	store.Logger = logger.Named("audit")
	store.Now = now
	tracker := activity.NewTracker()
	tracker.Logger = logger.Named("activity")
	tracker.Now = now

	executed, _ := lru.New[string, domain.ExecutionResult](idempotencyCacheSize)
	decided, _ := lru.New[string, DecisionOutcome](idempotencyCacheSize)
	return &Engine{
		Config:    cfg,
		Catalog:   catalog.New(cfg.Catalog.Screens, cfg.Catalog.MaxActions),
		Gate:      auth.NewGate(cfg.RoleCapabilities()),
		Audit:     store,
		Tracker:   tracker,
		Effects:   exec,
		Logger:    logger,
		Now:       now,
		approvals: map[string]*domain.PendingApproval{},
		runs:      map[string]runSpec{},
		executed:  executed,
		decided:   decided,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// GetActions returns the actions the context's role may trigger on its
// screen, ordered by priority and capped.
func (e *Engine) GetActions(c domain.ActionContext) []domain.ActionDefinition {
	return e.Catalog.Resolve(c.ScreenScope, c.Role, e.Gate.Check())
}

type ExecuteRequest struct {
	ActionID       string
	Context        domain.ActionContext
	IdempotencyKey string
}

// Execute runs one action attempt and always returns a result. Every result
// not served from the idempotency cache has exactly one audit entry.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) domain.ExecutionResult {
	if req.IdempotencyKey == "" {
		return e.execute(ctx, req)
	}
	key := idempotencyKey("execute", req.Context.ActorID, req.IdempotencyKey)
	if res, ok := e.executed.Get(key); ok {
		return res
	}
	v, _, _ := e.flight.Do(key, func() (any, error) {
		if res, ok := e.executed.Get(key); ok {
			return res, nil
		}
		res := e.execute(ctx, req)
		e.executed.Add(key, res)
		return res, nil
	})
	return v.(domain.ExecutionResult)
}

func (e *Engine) execute(ctx context.Context, req ExecuteRequest) domain.ExecutionResult {
	start := e.now()
	c := req.Context.Snapshot()
	def, ok := e.Catalog.Lookup(c.ScreenScope, req.ActionID)
	if !ok {
		res := domain.ExecutionResult{
			Message:   fmt.Sprintf("%v: %s", domain.ErrUnknownAction, req.ActionID),
			ErrorKind: domain.KindUnknownAction,
		}
		entry := e.appendAudit(ctx, domain.AuditLogEntry{
			ActorID:  c.ActorID,
			Role:     c.Role,
			ActionID: req.ActionID,
			Context:  c,
			Details:  withAux(c, map[string]any{"unresolved": true, "error_kind": res.ErrorKind}),
		})
		res.AuditID = entry.ID
		e.record(req.ActionID, res, start)
		return res
	}
	if def.RequiresApproval {
		if res, denied := e.deny(ctx, def, c, nil, start); denied {
			return res
		}
		return e.enqueueApproval(ctx, def, c, start)
	}
	return e.dispatch(ctx, def, c, nil, start)
}

// dispatch re-checks the gate and runs the action. extra is merged into the
// audit details.
func (e *Engine) dispatch(ctx context.Context, def domain.ActionDefinition, c domain.ActionContext, extra map[string]any, start time.Time) domain.ExecutionResult {
	if res, denied := e.deny(ctx, def, c, extra, start); denied {
		return res
	}
	act, err := e.Tracker.Create(activity.CreateOptions{
		Type:        e.activityType(def),
		Title:       def.Label,
		Description: def.Description,
		SubjectID:   c.Subject(),
		ActionID:    def.ID,
		Details:     map[string]any{"screen_scope": c.ScreenScope, "requested_by": c.ActorID},
	})
	if err != nil {
		return e.fault(ctx, def, c, extra, start, err)
	}
	observability.RecordTransition(domain.StatusPending)
	e.mu.Lock()
	e.runs[act.ID] = runSpec{def: def, ctx: c}
	e.mu.Unlock()
	if act, err = e.transition(act.ID, domain.StatusInProgress, nil); err != nil {
		return e.fault(ctx, def, c, extra, start, err)
	}
	return e.finish(ctx, def, c, act, extra, start)
}

func (e *Engine) deny(ctx context.Context, def domain.ActionDefinition, c domain.ActionContext, extra map[string]any, start time.Time) (domain.ExecutionResult, bool) {
	err := e.Gate.Require(c.Role, def.RequiredCapability)
	if err == nil {
		return domain.ExecutionResult{}, false
	}
	res := domain.ExecutionResult{Message: err.Error(), ErrorKind: domain.KindPermissionDenied}
	details := withAux(c, extra)
	details["label"] = def.Label
	details["error_kind"] = res.ErrorKind
	entry := e.appendAudit(ctx, domain.AuditLogEntry{
		ActorID:            c.ActorID,
		Role:               c.Role,
		ActionID:           def.ID,
		RequiredCapability: def.RequiredCapability,
		Context:            c,
		Details:            details,
	})
	res.AuditID = entry.ID
	e.logger().Info("action denied",
		zap.String("action_id", def.ID), zap.String("role", c.Role), zap.String("capability", def.RequiredCapability))
	e.record(def.ID, res, start)
	return res, true
}

// finish runs the effect for an activity already in progress, settles the
// activity and writes the audit entry.
func (e *Engine) finish(ctx context.Context, def domain.ActionDefinition, c domain.ActionContext, act domain.Activity, extra map[string]any, start time.Time) domain.ExecutionResult {
	out, runErr := e.runEffect(ctx, effects.Request{
		Definition: def,
		Context:    c,
		Profile:    e.profile(def),
		Attempt:    act.Attempts,
	})
	res := domain.ExecutionResult{ActivityID: act.ID}
	status := domain.StatusCompleted
	var transitionDetails map[string]any
	if runErr != nil {
		status = domain.StatusFailed
		res.ErrorKind = errorKind(ctx, runErr)
		res.Message = runErr.Error()
		reason := runErr.Error()
		if res.ErrorKind == domain.KindCancelled {
			reason = "cancelled"
		}
		transitionDetails = map[string]any{"reason": reason}
	} else {
		res.Success = true
		res.Message = fmt.Sprintf("%s completed", def.Label)
		res.Data = out
		transitionDetails = domain.CloneMap(out)
	}
	if _, err := e.transition(act.ID, status, transitionDetails); err != nil {
		// Another writer settled the activity first; report the conflict.
		res = domain.ExecutionResult{ActivityID: act.ID, Message: err.Error(), ErrorKind: domain.KindInvalidTransition}
	}

	details := withAux(c, extra)
	details["label"] = def.Label
	details["activity_id"] = act.ID
	details["attempt"] = act.Attempts
	details["duration_ms"] = e.now().Sub(start).Milliseconds()
	if res.ErrorKind != "" {
		details["error_kind"] = res.ErrorKind
		details["error"] = res.Message
	}
	if res.ErrorKind == domain.KindCancelled {
		details["reason"] = "cancelled"
	}
	entry := e.appendAudit(ctx, domain.AuditLogEntry{
		ActorID:            c.ActorID,
		Role:               c.Role,
		ActionID:           def.ID,
		RequiredCapability: def.RequiredCapability,
		Context:            c,
		Success:            res.Success,
		Details:            details,
	})
	res.AuditID = entry.ID
	e.logger().Info("action executed",
		zap.String("action_id", def.ID),
		zap.String("activity_id", act.ID),
		zap.Bool("success", res.Success),
		zap.String("error_kind", res.ErrorKind),
		zap.Int("attempt", act.Attempts))
	e.record(def.ID, res, start)
	return res
}

// fault reports a failure that happened before the effect could run.
func (e *Engine) fault(ctx context.Context, def domain.ActionDefinition, c domain.ActionContext, extra map[string]any, start time.Time, err error) domain.ExecutionResult {
	res := domain.ExecutionResult{
		Message:   domain.ExecutionFaultError{ActionID: def.ID, Err: err}.Error(),
		ErrorKind: domain.KindExecutionFault,
	}
	details := withAux(c, extra)
	details["label"] = def.Label
	details["error_kind"] = res.ErrorKind
	details["error"] = res.Message
	entry := e.appendAudit(ctx, domain.AuditLogEntry{
		ActorID:            c.ActorID,
		Role:               c.Role,
		ActionID:           def.ID,
		RequiredCapability: def.RequiredCapability,
		Context:            c,
		Details:            details,
	})
	res.AuditID = entry.ID
	e.logger().Error("action fault", zap.String("action_id", def.ID), zap.Error(err))
	e.record(def.ID, res, start)
	return res
}

type effectOutcome struct {
	out map[string]any
	err error
}

// runEffect waits for the executor or for ctx, whichever comes first. An
// executor that ignores ctx is left to finish on its own goroutine.
func (e *Engine) runEffect(ctx context.Context, req effects.Request) (map[string]any, error) {
	if e.Effects == nil {
		return nil, domain.ExecutionFaultError{ActionID: req.Definition.ID, Err: errors.New("no effect executor")}
	}
	done := make(chan effectOutcome, 1)
	go func() {
		var res effectOutcome
		defer func() {
			if r := recover(); r != nil {
				res = effectOutcome{err: domain.ExecutionFaultError{ActionID: req.Definition.ID, Err: fmt.Errorf("panic: %v", r)}}
			}
			done <- res
		}()
		res.out, res.err = e.Effects.Run(ctx, req)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			var fault domain.ExecutionFaultError
			if !errors.Is(res.err, domain.ErrCancelled) && !errors.As(res.err, &fault) {
				res.err = domain.ExecutionFaultError{ActionID: req.Definition.ID, Err: res.err}
			}
			return nil, res.err
		}
		return res.out, nil
	case <-ctx.Done():
		e.logger().Warn("effect abandoned", zap.String("action_id", req.Definition.ID), zap.Error(ctx.Err()))
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}
}

func errorKind(ctx context.Context, err error) string {
	if errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return domain.KindCancelled
	}
	return domain.KindExecutionFault
}

func (e *Engine) transition(id, status string, details map[string]any) (domain.Activity, error) {
	act, err := e.Tracker.Transition(id, status, details)
	if err != nil {
		return act, err
	}
	observability.RecordTransition(status)
	return act, nil
}

// appendAudit writes the entry even when ctx has been cancelled, so the
// archive sees cancelled attempts too.
func (e *Engine) appendAudit(ctx context.Context, entry domain.AuditLogEntry) domain.AuditLogEntry {
	return e.Audit.Append(context.WithoutCancel(ctx), entry)
}

func (e *Engine) record(actionID string, res domain.ExecutionResult, start time.Time) {
	outcome := res.ErrorKind
	switch {
	case res.Deferred:
		outcome = "deferred"
	case res.Success:
		outcome = "success"
	case outcome == "":
		outcome = "rejected"
	}
	observability.RecordExecution(actionID, outcome, e.now().Sub(start))
}

func (e *Engine) profile(def domain.ActionDefinition) config.KindProfile {
	kind := def.Kind
	if kind == "" {
		kind = config.DefaultKind
	}
	if p, ok := e.Config.Kinds[kind]; ok {
		return p
	}
	return e.Config.Kinds[config.DefaultKind]
}

func (e *Engine) activityType(def domain.ActionDefinition) string {
	if def.ActivityType != "" {
		return def.ActivityType
	}
	if t := e.profile(def).ActivityType; t != "" {
		return t
	}
	return domain.ActivityIntake
}

type RetryRequest struct {
	ActivityID string
	// Context identifies the caller. Screen and subject fields are taken
	// from the original attempt; a non-nil Aux replaces the original one.
	Context domain.ActionContext
}

// Retry re-runs the effect of a failed activity. The activity must be
// failed; the caller must hold the action's capability. It writes one new
// audit entry.
func (e *Engine) Retry(ctx context.Context, req RetryRequest) (domain.ExecutionResult, error) {
	start := e.now()
	act, err := e.Tracker.Get(req.ActivityID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if act.Status != domain.StatusFailed {
		return domain.ExecutionResult{}, domain.InvalidTransitionError{Entity: "activity", ID: act.ID, From: act.Status, To: domain.StatusInProgress}
	}
	e.mu.Lock()
	run, ok := e.runs[act.ID]
	e.mu.Unlock()
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("activity %s was not started by an action: %w", act.ID, domain.ErrNotFound)
	}
	c := run.ctx.Snapshot()
	if req.Context.ActorID != "" {
		c.ActorID = req.Context.ActorID
	}
	if req.Context.Role != "" {
		c.Role = req.Context.Role
	}
	if req.Context.Aux != nil {
		c.Aux = domain.CloneMap(req.Context.Aux)
	}
	extra := map[string]any{"retry": true}
	if res, denied := e.deny(ctx, run.def, c, extra, start); denied {
		return res, nil
	}
	act, err = e.transition(act.ID, domain.StatusInProgress, nil)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	e.logger().Info("activity retry", zap.String("activity_id", act.ID), zap.Int("attempt", act.Attempts))
	return e.finish(ctx, run.def, c, act, extra, start), nil
}

func (e *Engine) GetActivity(id string) (domain.Activity, error) {
	return e.Tracker.Get(id)
}

func (e *Engine) ListActivities(f activity.Filter) []domain.Activity {
	return e.Tracker.List(f)
}

// SubscribeActivity streams transitions for subjectID, or all when empty.
func (e *Engine) SubscribeActivity(subjectID string) (<-chan activity.Transition, func()) {
	return e.Tracker.Subscribe(subjectID)
}

func (e *Engine) QueryAudit(f audit.Filter) ([]domain.AuditLogEntry, error) {
	return e.Audit.Query(f)
}

func (e *Engine) GetMetrics(role string) domain.Metrics {
	return e.Audit.Metrics(role)
}

func withAux(c domain.ActionContext, extra map[string]any) map[string]any {
	out := make(map[string]any, len(c.Aux)+len(extra)+4)
	for k, v := range c.Aux {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func idempotencyKey(op, actor, key string) string {
	return op + "|" + actor + "|" + key
}
