package automation

import "time"

// TriggerType classifies the business events that rules subscribe to.
type TriggerType string

const (
	TriggerNewMessage           TriggerType = "new_message"
	TriggerContextChange        TriggerType = "context_change"
	TriggerStatusChange         TriggerType = "status_change"
	TriggerPriorityChange       TriggerType = "priority_change"
	TriggerCompletionRate       TriggerType = "completion_rate"
	TriggerFieldDependency      TriggerType = "field_dependency"
	TriggerSchedule             TriggerType = "schedule"
	TriggerExternalWebhook      TriggerType = "external_webhook"
	TriggerConversationAge      TriggerType = "conversation_age"
	TriggerResponseTime         TriggerType = "response_time"
	TriggerCustomerSatisfaction TriggerType = "customer_satisfaction"
	TriggerBusinessHours        TriggerType = "business_hours"
	TriggerWorkloadBalance      TriggerType = "workload_balance"
)

// knownTriggers is the closed set of trigger types the engine understands.
var knownTriggers = map[TriggerType]bool{
	TriggerNewMessage:           true,
	TriggerContextChange:        true,
	TriggerStatusChange:         true,
	TriggerPriorityChange:       true,
	TriggerCompletionRate:       true,
	TriggerFieldDependency:      true,
	TriggerSchedule:             true,
	TriggerExternalWebhook:      true,
	TriggerConversationAge:      true,
	TriggerResponseTime:         true,
	TriggerCustomerSatisfaction: true,
	TriggerBusinessHours:        true,
	TriggerWorkloadBalance:      true,
}

// Known reports whether t is a recognized trigger type.
func (t TriggerType) Known() bool {
	return knownTriggers[t]
}

// TriggerTypes returns all recognized trigger types.
func TriggerTypes() []TriggerType {
	types := make([]TriggerType, 0, len(knownTriggers))
	for t := range knownTriggers {
		types = append(types, t)
	}
	return types
}

// Priority bounds for a rule. Values outside this range are rejected at
// write time and skipped with a warning at evaluation time.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Outcome is the result of executing a rule, step, or action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeSkipped Outcome = "skipped"
)

// FailurePolicy controls how a workflow step reacts when one of its
// actions fails.
type FailurePolicy string

const (
	// AbortOnFailure stops the rule: remaining actions in the step and all
	// later steps are skipped. This is the default.
	AbortOnFailure FailurePolicy = "abort"
	// ContinueOnFailure records the failure and proceeds with the rest of
	// the rule.
	ContinueOnFailure FailurePolicy = "continue"
)

// Action is a single typed operation a rule performs. Params are validated
// against the registered handler's schema before invocation.
type Action struct {
	Type       string         `json:"type"`
	Params     map[string]any `json:"params,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// WorkflowStep is a named stage within a rule. A step runs its actions in
// order and applies its failure policy when one of them fails.
type WorkflowStep struct {
	Name      string        `json:"name"`
	Actions   []Action      `json:"actions"`
	OnFailure FailurePolicy `json:"on_failure,omitempty"`
}

// Policy returns the step's failure policy, defaulting to abort.
func (s WorkflowStep) Policy() FailurePolicy {
	if s.OnFailure == ContinueOnFailure {
		return ContinueOnFailure
	}
	return AbortOnFailure
}

// BodyShape tags which of the two rule body variants is populated.
type BodyShape string

const (
	BodyFlatActions   BodyShape = "actions"
	BodyWorkflowSteps BodyShape = "steps"
)

// RuleBody is a tagged variant: a rule is either a flat ordered action list
// or an ordered sequence of workflow steps. The tag makes the precedence
// structural rather than implied by which optional field happens to be set.
type RuleBody struct {
	Shape   BodyShape      `json:"shape"`
	Actions []Action       `json:"actions,omitempty"`
	Steps   []WorkflowStep `json:"steps,omitempty"`
}

// FlatBody builds a flat-action rule body.
func FlatBody(actions ...Action) RuleBody {
	return RuleBody{Shape: BodyFlatActions, Actions: actions}
}

// WorkflowBody builds a workflow-step rule body.
func WorkflowBody(steps ...WorkflowStep) RuleBody {
	return RuleBody{Shape: BodyWorkflowSteps, Steps: steps}
}

// ExecutionSteps normalizes the body into workflow steps for execution.
// A flat action list becomes a single abort-on-failure step so the
// executor has one code path.
func (b RuleBody) ExecutionSteps() []WorkflowStep {
	if b.Shape == BodyWorkflowSteps {
		return b.Steps
	}
	if len(b.Actions) == 0 {
		return nil
	}
	return []WorkflowStep{{Name: "actions", Actions: b.Actions, OnFailure: AbortOnFailure}}
}

// BusinessRule is a configured automation rule scoped to a workspace.
//
// ExecutionCount, SuccessRate, SuccessCount and AverageExecutionTime are
// derived fields owned exclusively by the execution recorder; no other
// component writes them. Version is bumped on every write and used for
// optimistic concurrency on the counter update path.
type BusinessRule struct {
	ID          string      `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	TriggerType TriggerType `json:"trigger_type"`
	Active      bool        `json:"active"`
	Default     bool        `json:"default"`
	Priority    int         `json:"priority"`

	// Condition is an optional CEL expression evaluated against the event
	// payload. An empty condition always matches.
	Condition string `json:"condition,omitempty"`

	Body RuleBody `json:"body"`

	ExecutionCount       int64         `json:"execution_count"`
	SuccessCount         int64         `json:"success_count"`
	SuccessRate          float64       `json:"success_rate"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one incoming business occurrence to evaluate rules against.
// Events are ephemeral; the engine never persists them.
type Event struct {
	ID          string         `json:"id"`
	TriggerType TriggerType    `json:"trigger_type"`
	WorkspaceID string         `json:"workspace_id"`
	ScopeKey    string         `json:"scope_key"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// ActionResult captures one action invocation inside a rule execution.
type ActionResult struct {
	Type     string        `json:"type"`
	Outcome  Outcome       `json:"outcome"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// StepResult captures one workflow step inside a rule execution.
type StepResult struct {
	Name    string         `json:"name"`
	Outcome Outcome        `json:"outcome"`
	Actions []ActionResult `json:"actions"`
}

// ExecutionRecord is the append-only log entry for one rule execution.
// Records are immutable once written.
type ExecutionRecord struct {
	ID        string        `json:"id"`
	RuleID    string        `json:"rule_id"`
	RuleName  string        `json:"rule_name"`
	EventID   string        `json:"event_id"`
	Outcome   Outcome       `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepResult  `json:"steps,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// DryRunStatus distinguishes a structurally invalid rule from a clean
// simulation in harness results.
type DryRunStatus string

const (
	DryRunValidationFailed DryRunStatus = "validation_failed"
	DryRunSimulatedOK      DryRunStatus = "simulated_ok"
)

// DryRunResult is what the rule test harness returns. It is always a
// structured result; business-logic mismatches never surface as errors.
type DryRunResult struct {
	Status            DryRunStatus  `json:"status"`
	ValidationError   string        `json:"validation_error,omitempty"`
	Outcome           Outcome       `json:"outcome,omitempty"`
	Steps             []StepResult  `json:"steps,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}
