// Package effects runs the side effect behind an action. The shipped
// executor simulates latency and result shapes from kind profiles.
package effects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actionline/internal/config"
	"actionline/internal/domain"
)

// AuxSimulateFailure makes Simulated fail the effect when set to true in
// ActionContext.Aux.
const AuxSimulateFailure = "simulate_failure"

// ErrSimulatedFailure is returned when a caller asked for a failing run.
var ErrSimulatedFailure = errors.New("simulated failure")

type Request struct {
	Definition domain.ActionDefinition
	Context    domain.ActionContext
	Profile    config.KindProfile
	Attempt    int
}

// Executor performs the effect of one action attempt. Implementations must
// return promptly once ctx is done.
type Executor interface {
	Run(ctx context.Context, req Request) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f ExecutorFunc) Run(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Simulated waits for the profile latency and returns a copy of the profile's
// result template.
type Simulated struct {
	// Scale multiplies profile latency. Zero means 1.
	Scale float64
	// Latency, when non-nil, overrides profile latency.
	Latency func(kind string) time.Duration
}

func (s Simulated) Run(ctx context.Context, req Request) (map[string]any, error) {
	wait := s.latency(req)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	if fail, _ := req.Context.Aux[AuxSimulateFailure].(bool); fail {
		return nil, ErrSimulatedFailure
	}
	out := make(map[string]any, len(req.Profile.Result)+1)
	for k, v := range req.Profile.Result {
		out[k] = v
	}
	if req.Context.PatientID != "" {
		out["patient_id"] = req.Context.PatientID
	}
	return out, nil
}

func (s Simulated) latency(req Request) time.Duration {
	if s.Latency != nil {
		return s.Latency(req.Definition.Kind)
	}
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	return time.Duration(float64(req.Profile.Latency) * scale)
}
