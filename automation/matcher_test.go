package automation

import (
	"testing"
)

func newTestMatcher(t *testing.T, store RuleStore) (*Matcher, RulesCache) {
	t.Helper()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	m, err := NewMatcher("ws-1", store, cache)
	if err != nil {
		t.Fatalf("NewMatcher() failed: %v", err)
	}
	return m, cache
}

// TestMatcherSelectsByTrigger verifies only active rules for the event's
// trigger type are candidates.
func TestMatcherSelectsByTrigger(t *testing.T) {
	store := NewInMemoryRuleStore()
	match := storedRule("match", TriggerNewMessage)
	inactive := storedRule("inactive", TriggerNewMessage)
	inactive.Active = false
	other := storedRule("other", TriggerStatusChange)
	for _, r := range []*BusinessRule{match, inactive, other} {
		if err := store.Add(r); err != nil {
			t.Fatalf("Add(%s) failed: %v", r.ID, err)
		}
	}

	m, _ := newTestMatcher(t, store)

	got, err := m.Match(testEvent(TriggerNewMessage))
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "match" {
		t.Errorf("Match() = %v, want only the active new_message rule", got)
	}
}

// TestMatcherUnknownTrigger verifies an unrecognized trigger type yields
// an empty candidate set, not an error.
func TestMatcherUnknownTrigger(t *testing.T) {
	m, _ := newTestMatcher(t, NewInMemoryRuleStore())

	event := testEvent("surprise_trigger")
	got, err := m.Match(event)
	if err != nil {
		t.Fatalf("Match() with unknown trigger should not error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Match() = %v, want empty", got)
	}
}

// TestMatcherWrongWorkspace verifies an event for another workspace is
// dropped rather than evaluated.
func TestMatcherWrongWorkspace(t *testing.T) {
	store := NewInMemoryRuleStore()
	if err := store.Add(storedRule("rule-1", TriggerNewMessage)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	m, _ := newTestMatcher(t, store)

	event := testEvent(TriggerNewMessage)
	event.WorkspaceID = "ws-other"

	got, err := m.Match(event)
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Match() = %v, want empty for foreign workspace", got)
	}
}

// TestMatcherSkipsOutOfRangePriority verifies a stored rule with a bad
// priority is skipped instead of aborting the event.
func TestMatcherSkipsOutOfRangePriority(t *testing.T) {
	store := NewInMemoryRuleStore()
	bad := storedRule("bad", TriggerNewMessage)
	bad.Priority = 99
	good := storedRule("good", TriggerNewMessage)
	for _, r := range []*BusinessRule{bad, good} {
		if err := store.Add(r); err != nil {
			t.Fatalf("Add(%s) failed: %v", r.ID, err)
		}
	}

	m, _ := newTestMatcher(t, store)

	got, err := m.Match(testEvent(TriggerNewMessage))
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Errorf("Match() = %v, want only the well-formed rule", got)
	}
}

// TestMatcherCondition verifies CEL conditions gate candidacy on the
// event payload.
func TestMatcherCondition(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := storedRule("low-score", TriggerCustomerSatisfaction)
	rule.Condition = `payload.score < 3`
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	m, _ := newTestMatcher(t, store)

	event := testEvent(TriggerCustomerSatisfaction)
	event.Payload = map[string]any{"score": 2}
	got, err := m.Match(event)
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Match() with passing condition = %v, want 1 candidate", got)
	}

	event.Payload = map[string]any{"score": 5}
	got, err = m.Match(event)
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Match() with failing condition = %v, want empty", got)
	}
}

// TestMatcherConditionOnEventFields verifies the condition can see the
// event envelope, not just the payload.
func TestMatcherConditionOnEventFields(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := storedRule("scoped", TriggerNewMessage)
	rule.Condition = `event.scope_key == "conv-1"`
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	m, _ := newTestMatcher(t, store)

	got, err := m.Match(testEvent(TriggerNewMessage))
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Match() = %v, want 1 candidate", got)
	}
}

// TestMatcherBrokenConditionSkipsRule verifies one rule's broken condition
// never takes down its siblings.
func TestMatcherBrokenConditionSkipsRule(t *testing.T) {
	store := NewInMemoryRuleStore()
	broken := storedRule("broken", TriggerNewMessage)
	broken.Condition = `payload.(((`
	good := storedRule("good", TriggerNewMessage)
	for _, r := range []*BusinessRule{broken, good} {
		if err := store.Add(r); err != nil {
			t.Fatalf("Add(%s) failed: %v", r.ID, err)
		}
	}

	m, _ := newTestMatcher(t, store)

	got, err := m.Match(testEvent(TriggerNewMessage))
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Errorf("Match() = %v, want only the rule with a valid condition", got)
	}
}

// TestMatcherUsesCachedSnapshot verifies the matcher reads through the
// cache until it is invalidated.
func TestMatcherUsesCachedSnapshot(t *testing.T) {
	store := NewInMemoryRuleStore()
	if err := store.Add(storedRule("first", TriggerNewMessage)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	m, cache := newTestMatcher(t, store)
	event := testEvent(TriggerNewMessage)

	got, err := m.Match(event)
	if err != nil {
		t.Fatalf("Match() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Match() = %v, want 1 candidate", got)
	}

	// A store write the cache has not seen is invisible until invalidation.
	if err := store.Add(storedRule("second", TriggerNewMessage)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	got, _ = m.Match(event)
	if len(got) != 1 {
		t.Errorf("Match() after uninvalidated write = %d candidates, want 1", len(got))
	}

	cache.Invalidate()
	got, _ = m.Match(event)
	if len(got) != 2 {
		t.Errorf("Match() after invalidation = %d candidates, want 2", len(got))
	}
}

// TestCompileCondition verifies write-time condition validation.
func TestCompileCondition(t *testing.T) {
	m, _ := newTestMatcher(t, NewInMemoryRuleStore())

	if err := m.CompileCondition(""); err != nil {
		t.Errorf("empty condition should be valid: %v", err)
	}
	if err := m.CompileCondition(`payload.score >= 4`); err != nil {
		t.Errorf("valid condition rejected: %v", err)
	}
	if err := m.CompileCondition(`payload.(((`); err == nil {
		t.Error("malformed condition should be rejected")
	}
}
