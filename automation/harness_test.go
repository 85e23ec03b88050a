package automation

import (
	"context"
	"errors"
	"testing"
)

// TestHarnessDryRunLeavesCountersUntouched verifies a test run never
// mutates the rule's execution statistics or log.
func TestHarnessDryRunLeavesCountersUntouched(t *testing.T) {
	store := NewInMemoryRuleStore()
	var sawDryRun bool
	handler := &stubHandler{kind: "send_message", invoke: func(ctx context.Context, inv Invocation) (string, error) {
		sawDryRun = inv.DryRun
		return "would send message", nil
	}}
	registry := newTestRegistry(t, handler)
	executor := NewExecutor(registry)

	if err := store.Add(storedRule("rule-1", TriggerNewMessage)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	h := NewHarness(store, registry, executor)
	result, err := h.Test(context.Background(), "rule-1", nil)
	if err != nil {
		t.Fatalf("Test() failed: %v", err)
	}

	if result.Status != DryRunSimulatedOK {
		t.Errorf("Status = %s, want %s", result.Status, DryRunSimulatedOK)
	}
	if result.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %s, want success", result.Outcome)
	}
	if !sawDryRun {
		t.Error("handler should have been invoked with DryRun set")
	}

	rule, _ := store.Get("rule-1")
	if rule.ExecutionCount != 0 || rule.SuccessCount != 0 {
		t.Errorf("dry run mutated counters: count=%d successes=%d",
			rule.ExecutionCount, rule.SuccessCount)
	}
	records, _ := store.ListRecords("rule-1", 0)
	if len(records) != 0 {
		t.Errorf("dry run appended %d execution records, want 0", len(records))
	}
}

// TestHarnessValidationFailed verifies a structurally broken rule comes
// back as a validation_failed result, not an error.
func TestHarnessValidationFailed(t *testing.T) {
	store := NewInMemoryRuleStore()
	registry := newTestRegistry(t) // no handlers registered
	executor := NewExecutor(registry)

	// The stored rule references an action type nothing handles.
	if err := store.Add(storedRule("rule-1", TriggerNewMessage)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	h := NewHarness(store, registry, executor)
	result, err := h.Test(context.Background(), "rule-1", nil)
	if err != nil {
		t.Fatalf("Test() should not error on a broken rule: %v", err)
	}

	if result.Status != DryRunValidationFailed {
		t.Errorf("Status = %s, want %s", result.Status, DryRunValidationFailed)
	}
	if result.ValidationError == "" {
		t.Error("ValidationError should describe the defect")
	}
}

// TestHarnessUnknownRule verifies a missing rule ID is a real error.
func TestHarnessUnknownRule(t *testing.T) {
	registry := newTestRegistry(t)
	h := NewHarness(NewInMemoryRuleStore(), registry, NewExecutor(registry))

	_, err := h.Test(context.Background(), "missing", nil)
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Test() error = %v, want ErrRuleNotFound", err)
	}
}

// TestHarnessSynthesizesEvent verifies a nil sample produces a minimal
// valid event for the rule's trigger type.
func TestHarnessSynthesizesEvent(t *testing.T) {
	store := NewInMemoryRuleStore()
	var seen *Event
	handler := &stubHandler{kind: "send_message", invoke: func(ctx context.Context, inv Invocation) (string, error) {
		seen = inv.Event
		return "ok", nil
	}}
	registry := newTestRegistry(t, handler)

	rule := storedRule("rule-1", TriggerStatusChange)
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	h := NewHarness(store, registry, NewExecutor(registry))
	if _, err := h.Test(context.Background(), "rule-1", nil); err != nil {
		t.Fatalf("Test() failed: %v", err)
	}

	if seen == nil {
		t.Fatal("handler never saw an event")
	}
	if seen.TriggerType != TriggerStatusChange {
		t.Errorf("synthesized trigger = %s, want %s", seen.TriggerType, TriggerStatusChange)
	}
	if seen.WorkspaceID != "ws-1" {
		t.Errorf("synthesized workspace = %s, want ws-1", seen.WorkspaceID)
	}
	if seen.ID == "" || seen.ScopeKey == "" {
		t.Error("synthesized event should carry an ID and scope key")
	}
	if len(seen.Payload) == 0 {
		t.Error("synthesized event should carry a sample payload")
	}
}

// TestHarnessUsesProvidedSample verifies a caller-supplied sample event is
// passed through untouched.
func TestHarnessUsesProvidedSample(t *testing.T) {
	store := NewInMemoryRuleStore()
	var seen *Event
	handler := &stubHandler{kind: "send_message", invoke: func(ctx context.Context, inv Invocation) (string, error) {
		seen = inv.Event
		return "ok", nil
	}}
	registry := newTestRegistry(t, handler)

	if err := store.Add(storedRule("rule-1", TriggerNewMessage)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	sample := testEvent(TriggerNewMessage)
	sample.ID = "sample-event"

	h := NewHarness(store, registry, NewExecutor(registry))
	if _, err := h.Test(context.Background(), "rule-1", sample); err != nil {
		t.Fatalf("Test() failed: %v", err)
	}

	if seen == nil || seen.ID != "sample-event" {
		t.Errorf("handler saw %v, want the provided sample", seen)
	}
}

// TestSynthesizeEventPayloads verifies every known trigger type gets a
// non-empty sample payload.
func TestSynthesizeEventPayloads(t *testing.T) {
	for _, trigger := range TriggerTypes() {
		event := SynthesizeEvent("ws-1", trigger)
		if event.TriggerType != trigger {
			t.Errorf("%s: synthesized trigger = %s", trigger, event.TriggerType)
		}
		if len(event.Payload) == 0 {
			t.Errorf("%s: sample payload is empty", trigger)
		}
	}
}
