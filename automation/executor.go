package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/conduitcrm/automation/internal/logger"
)

// Executor runs an execution plan's rules sequentially against one event.
// All observable side effects live in the action handlers; the executor
// only sequences, bounds, retries, and measures them.
type Executor struct {
	registry *Registry

	// retryBase is the initial backoff delay between attempts. Tests
	// shrink it; production uses RetryBaseDelay.
	retryBase time.Duration
}

// NewExecutor creates an executor over a handler registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry:  registry,
		retryBase: RetryBaseDelay,
	}
}

// Execute runs every rule in the plan, in order, and returns one record
// per rule. A failure inside one rule is contained to that rule's record
// and never blocks the rules after it.
func (ex *Executor) Execute(ctx context.Context, plan []*BusinessRule, event *Event) []*ExecutionRecord {
	records := make([]*ExecutionRecord, 0, len(plan))
	for _, rule := range plan {
		rec := ex.executeRule(ctx, rule, event, false)
		records = append(records, rec)

		metricExecutionsTotal.WithLabelValues(rule.WorkspaceID, string(rec.Outcome)).Inc()
		metricExecutionDuration.WithLabelValues(rule.WorkspaceID).Observe(rec.Duration.Seconds())
	}
	return records
}

// DryRun simulates one rule against an event without side effects, retry
// waits, or metrics. Used by the rule test harness.
func (ex *Executor) DryRun(ctx context.Context, rule *BusinessRule, event *Event) *ExecutionRecord {
	return ex.executeRule(ctx, rule, event, true)
}

func (ex *Executor) executeRule(ctx context.Context, rule *BusinessRule, event *Event, dryRun bool) *ExecutionRecord {
	started := time.Now()
	rec := &ExecutionRecord{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		EventID:   event.ID,
		StartedAt: started,
	}

	steps := rule.Body.ExecutionSteps()

	// Soft ceiling for the whole rule: the sum of its step timeouts.
	// Exceeding it marks the unexecuted remainder as skipped, it does not
	// retry or kill in-flight work.
	ruleCtx, cancel := context.WithTimeout(ctx, ex.ruleCeiling(rule, steps))
	defer cancel()

	aborted := false
	for _, step := range steps {
		if aborted || ruleCtx.Err() != nil {
			rec.Steps = append(rec.Steps, skippedStep(step))
			continue
		}
		stepResult := ex.runStep(ruleCtx, step, event, rule, dryRun)
		rec.Steps = append(rec.Steps, stepResult)

		if stepResult.Outcome == OutcomeFailure && step.Policy() == AbortOnFailure {
			aborted = true
		}
	}

	rec.Duration = time.Since(started)
	rec.Outcome = deriveOutcome(rec.Steps)
	if rec.Outcome != OutcomeSuccess {
		rec.Error = firstError(rec.Steps)
	}
	return rec
}

// ruleCeiling sums the effective per-action timeouts across all steps.
func (ex *Executor) ruleCeiling(rule *BusinessRule, steps []WorkflowStep) time.Duration {
	var total time.Duration
	for _, step := range steps {
		for _, a := range step.Actions {
			if h, ok := ex.registry.Lookup(a.Type); ok {
				total += timeoutFor(a, h)
			} else {
				total += DefaultActionTimeout
			}
		}
	}
	if total <= 0 {
		total = DefaultActionTimeout
	}
	return total
}

func (ex *Executor) runStep(ctx context.Context, step WorkflowStep, event *Event, rule *BusinessRule, dryRun bool) StepResult {
	result := StepResult{Name: step.Name}

	failed := false
	for _, action := range step.Actions {
		if failed && step.Policy() == AbortOnFailure {
			result.Actions = append(result.Actions, ActionResult{
				Type:    action.Type,
				Outcome: OutcomeSkipped,
			})
			continue
		}
		ar := ex.runAction(ctx, action, event, rule, dryRun)
		result.Actions = append(result.Actions, ar)
		if ar.Outcome == OutcomeFailure {
			failed = true
		}
	}

	if failed {
		result.Outcome = OutcomeFailure
	} else {
		result.Outcome = OutcomeSuccess
	}
	return result
}

// runAction invokes one action with per-attempt timeout and exponential
// backoff on transient failures. Exhausted retries surface as permanent.
func (ex *Executor) runAction(ctx context.Context, action Action, event *Event, rule *BusinessRule, dryRun bool) ActionResult {
	started := time.Now()
	ar := ActionResult{Type: action.Type}

	handler, ok := ex.registry.Lookup(action.Type)
	if !ok {
		ar.Outcome = OutcomeFailure
		ar.Error = fmt.Sprintf("no handler registered for action type %q", action.Type)
		ar.Duration = time.Since(started)
		return ar
	}

	if err := handler.ValidateParams(action.Params); err != nil {
		ar.Outcome = OutcomeFailure
		ar.Error = fmt.Sprintf("invalid params: %v", err)
		ar.Duration = time.Since(started)
		return ar
	}

	timeout := timeoutFor(action, handler)
	retries := retriesFor(action, handler)
	if dryRun {
		retries = 0
	}

	inv := Invocation{Action: action, Event: event, DryRun: dryRun}

	operation := func() (string, error) {
		ar.Attempts++
		if ar.Attempts > 1 {
			metricActionRetriesTotal.WithLabelValues(rule.WorkspaceID, action.Type).Inc()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		detail, err := handler.Invoke(attemptCtx, inv)
		if err == nil {
			return detail, nil
		}
		if IsTransient(err) || attemptCtx.Err() == context.DeadlineExceeded {
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = ex.retryBase
	detail, err := backoff.RetryWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))

	ar.Duration = time.Since(started)
	if err != nil {
		ar.Outcome = OutcomeFailure
		ar.Error = err.Error()
		logger.Warn("action failed",
			"rule_id", rule.ID,
			"action_type", action.Type,
			"attempts", ar.Attempts,
			"error", err.Error())
		return ar
	}

	ar.Outcome = OutcomeSuccess
	ar.Detail = detail
	return ar
}

// deriveOutcome folds step outcomes into the rule-level outcome: success
// when every step succeeded, failure when nothing succeeded, partial when
// some did before a failure or skip.
func deriveOutcome(steps []StepResult) Outcome {
	if len(steps) == 0 {
		return OutcomeSuccess
	}
	succeeded, failedOrSkipped := 0, 0
	for _, s := range steps {
		switch s.Outcome {
		case OutcomeSuccess:
			succeeded++
		default:
			failedOrSkipped++
		}
	}
	switch {
	case failedOrSkipped == 0:
		return OutcomeSuccess
	case succeeded == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

func firstError(steps []StepResult) string {
	for _, s := range steps {
		for _, a := range s.Actions {
			if a.Error != "" {
				return fmt.Sprintf("step %q action %q: %s", s.Name, a.Type, a.Error)
			}
		}
	}
	return ""
}

func skippedStep(step WorkflowStep) StepResult {
	result := StepResult{Name: step.Name, Outcome: OutcomeSkipped}
	for _, a := range step.Actions {
		result.Actions = append(result.Actions, ActionResult{Type: a.Type, Outcome: OutcomeSkipped})
	}
	return result
}
