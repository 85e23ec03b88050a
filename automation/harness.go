package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Harness runs a rule in dry-run mode: actions describe what they would do
// instead of doing it, and no counters are mutated. It always returns a
// structured result; only a missing rule or store failure is an error.
type Harness struct {
	store    RuleStore
	registry *Registry
	executor *Executor
}

// NewHarness creates a test harness over a store and executor.
func NewHarness(store RuleStore, registry *Registry, executor *Executor) *Harness {
	return &Harness{store: store, registry: registry, executor: executor}
}

// Test dry-runs one rule. When sample is nil a minimal valid event is
// synthesized for the rule's trigger type. Structural defects come back as
// a validation_failed result, never as a raw error.
func (h *Harness) Test(ctx context.Context, ruleID string, sample *Event) (*DryRunResult, error) {
	rule, err := h.store.Get(ruleID)
	if err != nil {
		return nil, err
	}

	if err := ValidateRule(rule, h.registry); err != nil {
		return &DryRunResult{
			Status:          DryRunValidationFailed,
			ValidationError: err.Error(),
		}, nil
	}

	event := sample
	if event == nil {
		event = SynthesizeEvent(rule.WorkspaceID, rule.TriggerType)
	}

	rec := h.executor.DryRun(ctx, rule, event)

	return &DryRunResult{
		Status:            DryRunSimulatedOK,
		Outcome:           rec.Outcome,
		Steps:             rec.Steps,
		EstimatedDuration: rec.Duration,
	}, nil
}

// SynthesizeEvent builds a minimal valid event for a trigger type, used
// when the caller supplies no sample.
func SynthesizeEvent(workspaceID string, trigger TriggerType) *Event {
	return &Event{
		ID:          uuid.NewString(),
		TriggerType: trigger,
		WorkspaceID: workspaceID,
		ScopeKey:    fmt.Sprintf("sample-conversation-%s", uuid.NewString()[:8]),
		Payload:     samplePayload(trigger),
		OccurredAt:  time.Now(),
	}
}

func samplePayload(trigger TriggerType) map[string]any {
	switch trigger {
	case TriggerNewMessage:
		return map[string]any{"message": "sample message", "sender": "customer"}
	case TriggerContextChange:
		return map[string]any{"field": "assignee", "from": "", "to": "agent-1"}
	case TriggerStatusChange:
		return map[string]any{"from": "open", "to": "resolved"}
	case TriggerPriorityChange:
		return map[string]any{"from": "normal", "to": "urgent"}
	case TriggerCompletionRate:
		return map[string]any{"rate": 0.5}
	case TriggerFieldDependency:
		return map[string]any{"field": "category", "value": "billing"}
	case TriggerSchedule:
		return map[string]any{"tick": time.Now().Format(time.RFC3339)}
	case TriggerExternalWebhook:
		return map[string]any{"source": "sample-webhook"}
	case TriggerConversationAge:
		return map[string]any{"age_hours": 24}
	case TriggerResponseTime:
		return map[string]any{"response_seconds": 120}
	case TriggerCustomerSatisfaction:
		return map[string]any{"score": 3}
	case TriggerBusinessHours:
		return map[string]any{"within_hours": true}
	case TriggerWorkloadBalance:
		return map[string]any{"open_conversations": 10}
	default:
		return map[string]any{}
	}
}
