package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionline/internal/domain"
	"actionline/internal/observability"
)

type DecideRequest struct {
	ApprovalID     string
	ApproverID     string
	ApproverRole   string
	Approve        bool
	IdempotencyKey string
}

// DecisionOutcome is the decided approval plus the result of running (or
// rejecting) the gated action.
type DecisionOutcome struct {
	Approval domain.PendingApproval `json:"approval"`
	Result   domain.ExecutionResult `json:"result"`
}

func (e *Engine) enqueueApproval(ctx context.Context, def domain.ActionDefinition, c domain.ActionContext, start time.Time) domain.ExecutionResult {
	description := def.Description
	if description == "" {
		description = def.Label
	}
	pa := &domain.PendingApproval{
		ID:                 uuid.New().String(),
		ActionID:           def.ID,
		RequiredCapability: def.RequiredCapability,
		RequestedBy:        c.ActorID,
		RequesterRole:      c.Role,
		RequestedAt:        e.now(),
		Description:        description,
		Context:            c.Snapshot(),
		Priority:           def.Priority,
		Decision:           domain.DecisionNone,
	}
	e.mu.Lock()
	e.approvals[pa.ID] = pa
	pending := e.pendingLocked()
	e.mu.Unlock()
	observability.SetPendingApprovals(pending)

	details := withAux(c, nil)
	details["label"] = def.Label
	details["deferred"] = true
	details["approval_id"] = pa.ID
	entry := e.appendAudit(ctx, domain.AuditLogEntry{
		ActorID:            c.ActorID,
		Role:               c.Role,
		ActionID:           def.ID,
		RequiredCapability: def.RequiredCapability,
		Context:            c,
		Success:            true,
		Details:            details,
	})
	res := domain.ExecutionResult{
		Success:    true,
		Deferred:   true,
		Message:    fmt.Sprintf("%s awaits approval", def.Label),
		ApprovalID: pa.ID,
		AuditID:    entry.ID,
	}
	e.logger().Info("action deferred for approval",
		zap.String("action_id", def.ID), zap.String("approval_id", pa.ID), zap.String("requested_by", c.ActorID))
	e.record(def.ID, res, start)
	return res
}

// Decide approves or rejects a pending approval exactly once. A repeated
// idempotency key returns the first outcome.
func (e *Engine) Decide(ctx context.Context, req DecideRequest) (DecisionOutcome, error) {
	if req.IdempotencyKey == "" {
		return e.decide(ctx, req)
	}
	key := idempotencyKey("decide", req.ApproverID, req.IdempotencyKey)
	if out, ok := e.decided.Get(key); ok {
		return out, nil
	}
	v, err, _ := e.flight.Do(key, func() (any, error) {
		if out, ok := e.decided.Get(key); ok {
			return out, nil
		}
		out, err := e.decide(ctx, req)
		if err != nil {
			return out, err
		}
		e.decided.Add(key, out)
		return out, nil
	})
	out, _ := v.(DecisionOutcome)
	return out, err
}

func (e *Engine) decide(ctx context.Context, req DecideRequest) (DecisionOutcome, error) {
	start := e.now()
	if err := e.Gate.Require(req.ApproverRole, e.Config.Approval.Capability); err != nil {
		return DecisionOutcome{}, err
	}
	decision := domain.DecisionRejected
	if req.Approve {
		decision = domain.DecisionApproved
	}

	e.mu.Lock()
	pa, ok := e.approvals[req.ApprovalID]
	if !ok {
		e.mu.Unlock()
		return DecisionOutcome{}, fmt.Errorf("approval %s: %w", req.ApprovalID, domain.ErrNotFound)
	}
	if pa.Decision != domain.DecisionNone {
		from := pa.Decision
		e.mu.Unlock()
		return DecisionOutcome{}, domain.InvalidTransitionError{Entity: "approval", ID: req.ApprovalID, From: from, To: decision}
	}
	decidedAt := e.now()
	pa.Decision = decision
	pa.DecidedBy = req.ApproverID
	pa.DecidedAt = &decidedAt
	snapshot := cloneApproval(pa)
	pending := e.pendingLocked()
	e.mu.Unlock()

	observability.SetPendingApprovals(pending)
	observability.RecordDecision(decision)
	e.logger().Info("approval decided",
		zap.String("approval_id", snapshot.ID),
		zap.String("action_id", snapshot.ActionID),
		zap.String("decision", decision),
		zap.String("decided_by", req.ApproverID))

	out := DecisionOutcome{Approval: snapshot}
	if !req.Approve {
		out.Result = e.reject(ctx, snapshot, req, start)
		return out, nil
	}
	extra := map[string]any{"approval_id": snapshot.ID, "approved_by": req.ApproverID}
	def, ok := e.Catalog.Lookup(snapshot.Context.ScreenScope, snapshot.ActionID)
	if !ok {
		res := domain.ExecutionResult{
			Message:    fmt.Sprintf("%v: %s", domain.ErrUnknownAction, snapshot.ActionID),
			ErrorKind:  domain.KindUnknownAction,
			ApprovalID: snapshot.ID,
		}
		details := withAux(snapshot.Context, extra)
		details["unresolved"] = true
		details["error_kind"] = res.ErrorKind
		entry := e.appendAudit(ctx, domain.AuditLogEntry{
			ActorID:  snapshot.RequestedBy,
			Role:     snapshot.RequesterRole,
			ActionID: snapshot.ActionID,
			Context:  snapshot.Context,
			Details:  details,
		})
		res.AuditID = entry.ID
		e.record(snapshot.ActionID, res, start)
		out.Result = res
		return out, nil
	}
	res := e.dispatch(ctx, def, snapshot.Context, extra, start)
	res.ApprovalID = snapshot.ID
	out.Result = res
	return out, nil
}

func (e *Engine) reject(ctx context.Context, pa domain.PendingApproval, req DecideRequest, start time.Time) domain.ExecutionResult {
	details := withAux(pa.Context, nil)
	details["rejected"] = true
	details["approval_id"] = pa.ID
	details["requested_by"] = pa.RequestedBy
	entry := e.appendAudit(ctx, domain.AuditLogEntry{
		ActorID:            req.ApproverID,
		Role:               req.ApproverRole,
		ActionID:           pa.ActionID,
		RequiredCapability: pa.RequiredCapability,
		Context:            pa.Context,
		Details:            details,
	})
	res := domain.ExecutionResult{
		Message:    fmt.Sprintf("%s rejected by %s", pa.ActionID, req.ApproverID),
		ApprovalID: pa.ID,
		AuditID:    entry.ID,
	}
	e.record(pa.ActionID, res, start)
	return res
}

func (e *Engine) GetApproval(id string) (domain.PendingApproval, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pa, ok := e.approvals[id]
	if !ok {
		return domain.PendingApproval{}, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	return cloneApproval(pa), nil
}

// ListApprovals returns approvals with the given decision, or all when
// decision is empty. Undecided approvals come first, then by priority and
// request time.
func (e *Engine) ListApprovals(decision string) []domain.PendingApproval {
	e.mu.Lock()
	out := make([]domain.PendingApproval, 0, len(e.approvals))
	for _, pa := range e.approvals {
		if decision != "" && pa.Decision != decision {
			continue
		}
		out = append(out, cloneApproval(pa))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aOpen, bOpen := a.Decision == domain.DecisionNone, b.Decision == domain.DecisionNone
		if aOpen != bOpen {
			return aOpen
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (e *Engine) pendingLocked() int {
	n := 0
	for _, pa := range e.approvals {
		if pa.Decision == domain.DecisionNone {
			n++
		}
	}
	return n
}

func cloneApproval(pa *domain.PendingApproval) domain.PendingApproval {
	out := *pa
	out.Context = pa.Context.Snapshot()
	if pa.DecidedAt != nil {
		t := *pa.DecidedAt
		out.DecidedAt = &t
	}
	return out
}
