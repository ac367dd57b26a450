package server

import (
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/events"
)

// Request payloads

type ExecuteActionRequest struct {
	ScreenScope string         `json:"screen_scope" example:"agenda"`
	PatientID   string         `json:"patient_id,omitempty"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Aux         map[string]any `json:"aux,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type DecisionRequest struct {
	Approve *bool `json:"approve"`
}

type RetryActivityRequest struct {
	Aux map[string]any `json:"aux,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type WhoAmIResponse struct {
	ActorID      string   `json:"actor_id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	Source       string   `json:"source"`
}

type ActionResponse struct {
	ID                 string `json:"id"`
	Label              string `json:"label"`
	Description        string `json:"description,omitempty"`
	RequiredCapability string `json:"required_capability"`
	ScreenScope        string `json:"screen_scope"`
	Priority           int    `json:"priority"`
	Kind               string `json:"kind,omitempty"`
	RequiresApproval   bool   `json:"requires_approval"`
}

type ActionsResponse struct {
	ScreenScope string           `json:"screen_scope"`
	Role        string           `json:"role"`
	Items       []ActionResponse `json:"items"`
}

type ApprovalsResponse struct {
	Items []domain.PendingApproval `json:"items"`
}

type ActivitiesResponse struct {
	Items []domain.Activity `json:"items"`
}

type AuditResponse struct {
	Items []domain.AuditLogEntry `json:"items"`
}

type EventsResponse struct {
	Items []events.Event `json:"items"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type DecisionResponse = engine.DecisionOutcome

func actionResponse(def domain.ActionDefinition) ActionResponse {
	return ActionResponse{
		ID:                 def.ID,
		Label:              def.Label,
		Description:        def.Description,
		RequiredCapability: def.RequiredCapability,
		ScreenScope:        def.ScreenScope,
		Priority:           def.Priority,
		Kind:               def.Kind,
		RequiresApproval:   def.RequiresApproval,
	}
}

func mapActions(defs []domain.ActionDefinition) []ActionResponse {
	out := make([]ActionResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, actionResponse(def))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
