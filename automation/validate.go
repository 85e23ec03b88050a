package automation

import "fmt"

// ValidateRule checks a rule definition for structural defects. It is used
// by the CRUD surface at write time and by the test harness; at evaluation
// time a stored rule that fails these checks is skipped with a warning
// rather than aborting the event.
//
// The registry may be nil, in which case action types and parameters are
// not checked (the store-level callers that have no registry in hand).
func ValidateRule(rule *BusinessRule, registry *Registry) error {
	if rule == nil {
		return &ValidationError{Reason: "rule is nil"}
	}
	if rule.Name == "" {
		return &ValidationError{Field: "name", Reason: "cannot be empty"}
	}
	if rule.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "cannot be empty"}
	}
	if !rule.TriggerType.Known() {
		return &ValidationError{
			Field:  "trigger_type",
			Reason: fmt.Sprintf("unknown trigger type %q", rule.TriggerType),
		}
	}
	if rule.Priority < MinPriority || rule.Priority > MaxPriority {
		return &ValidationError{
			Field:  "priority",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinPriority, MaxPriority, rule.Priority),
		}
	}
	if err := validateBody(rule.Body, registry); err != nil {
		return err
	}
	return nil
}

func validateBody(body RuleBody, registry *Registry) error {
	switch body.Shape {
	case BodyFlatActions:
		if len(body.Steps) > 0 {
			return &ValidationError{Field: "body", Reason: "flat-action body must not carry workflow steps"}
		}
		if len(body.Actions) == 0 {
			return &ValidationError{Field: "body.actions", Reason: "must contain at least one action"}
		}
		for i, a := range body.Actions {
			if err := validateAction(a, registry); err != nil {
				return &ValidationError{Field: fmt.Sprintf("body.actions[%d]", i), Reason: err.Error()}
			}
		}
	case BodyWorkflowSteps:
		if len(body.Actions) > 0 {
			return &ValidationError{Field: "body", Reason: "workflow body must not carry flat actions"}
		}
		if len(body.Steps) == 0 {
			return &ValidationError{Field: "body.steps", Reason: "must contain at least one step"}
		}
		for i, step := range body.Steps {
			if step.Name == "" {
				return &ValidationError{Field: fmt.Sprintf("body.steps[%d].name", i), Reason: "cannot be empty"}
			}
			if step.OnFailure != "" && step.OnFailure != AbortOnFailure && step.OnFailure != ContinueOnFailure {
				return &ValidationError{
					Field:  fmt.Sprintf("body.steps[%d].on_failure", i),
					Reason: fmt.Sprintf("must be %q or %q, got %q", AbortOnFailure, ContinueOnFailure, step.OnFailure),
				}
			}
			if len(step.Actions) == 0 {
				return &ValidationError{Field: fmt.Sprintf("body.steps[%d].actions", i), Reason: "must contain at least one action"}
			}
			for j, a := range step.Actions {
				if err := validateAction(a, registry); err != nil {
					return &ValidationError{Field: fmt.Sprintf("body.steps[%d].actions[%d]", i, j), Reason: err.Error()}
				}
			}
		}
	default:
		return &ValidationError{
			Field:  "body.shape",
			Reason: fmt.Sprintf("must be %q or %q, got %q", BodyFlatActions, BodyWorkflowSteps, body.Shape),
		}
	}
	return nil
}

func validateAction(a Action, registry *Registry) error {
	if a.Type == "" {
		return fmt.Errorf("action type cannot be empty")
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if a.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if registry == nil {
		return nil
	}
	handler, ok := registry.Lookup(a.Type)
	if !ok {
		return fmt.Errorf("no handler registered for action type %q", a.Type)
	}
	if err := handler.ValidateParams(a.Params); err != nil {
		return fmt.Errorf("invalid params for %q: %w", a.Type, err)
	}
	return nil
}
