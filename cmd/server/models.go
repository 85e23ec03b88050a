package main

import (
	"time"

	"github.com/conduitcrm/automation/automation"
)

// API request and response models.

// CreateWorkspaceRequest is the body for creating a workspace.
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

// RuleRequest is the body for creating or updating a rule.
type RuleRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	TriggerType string              `json:"trigger_type"`
	Active      bool                `json:"active"`
	Default     bool                `json:"default"`
	Priority    int                 `json:"priority"`
	Condition   string              `json:"condition,omitempty"`
	Body        automation.RuleBody `json:"body"`
}

// ToggleRequest optionally pins the active flag; when Active is nil the
// current value is flipped.
type ToggleRequest struct {
	Active *bool `json:"active,omitempty"`
}

// TestRuleRequest optionally supplies a sample event for the dry run.
type TestRuleRequest struct {
	SampleEvent *EventRequest `json:"sample_event,omitempty"`
}

// EventRequest is the wire shape of an incoming event.
type EventRequest struct {
	ID          string         `json:"id,omitempty"`
	TriggerType string         `json:"trigger_type"`
	WorkspaceID string         `json:"workspace_id"`
	ScopeKey    string         `json:"scope_key"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  *time.Time     `json:"occurred_at,omitempty"`
	// Sync requests inline evaluation instead of queued processing.
	Sync bool `json:"sync,omitempty"`
}

// EventAccepted is returned for queued events.
type EventAccepted struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// EventResult is returned for synchronously evaluated events.
type EventResult struct {
	EventID string                        `json:"event_id"`
	Records []*automation.ExecutionRecord `json:"records"`
}

// ErrorResponse is the error envelope for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
