package automation

import (
	"context"
	"fmt"

	"github.com/conduitcrm/automation/internal/logger"
)

// Engine evaluates events against one workspace's rules: match, resolve,
// execute, record. It also fronts the CRUD surface so every rule write
// invalidates the workspace's snapshot cache.
type Engine struct {
	workspaceID string
	store       RuleStore
	cache       RulesCache
	registry    *Registry
	matcher     *Matcher
	resolver    *Resolver
	executor    *Executor
	recorder    *Recorder
	harness     *Harness
}

// NewEngine creates an engine for one workspace.
func NewEngine(workspaceID string, store RuleStore, registry *Registry) (*Engine, error) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	matcher, err := NewMatcher(workspaceID, store, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create matcher: %w", err)
	}

	executor := NewExecutor(registry)
	return &Engine{
		workspaceID: workspaceID,
		store:       store,
		cache:       cache,
		registry:    registry,
		matcher:     matcher,
		resolver:    NewResolver(),
		executor:    executor,
		recorder:    NewRecorder(store),
		harness:     NewHarness(store, registry, executor),
	}, nil
}

// WorkspaceID returns the workspace this engine serves.
func (en *Engine) WorkspaceID() string {
	return en.workspaceID
}

// HandleEvent is the engine's primary entry point: one evaluation pass for
// one event. It returns a record per executed rule. An empty result is a
// normal outcome. Only structural failures (store unavailable) surface as
// errors; the caller is expected to redeliver the whole event in that
// case, which is safe because actions are idempotent or retryable.
func (en *Engine) HandleEvent(ctx context.Context, event *Event) ([]*ExecutionRecord, error) {
	metricEventsTotal.WithLabelValues(en.workspaceID, string(event.TriggerType)).Inc()

	candidates, err := en.matcher.Match(event)
	if err != nil {
		return nil, err
	}

	plan := en.resolver.Resolve(event.TriggerType, candidates)
	if len(plan) == 0 {
		return nil, nil
	}

	records := en.executor.Execute(ctx, plan, event)
	for _, rec := range records {
		// A recording failure must not abort sibling rules or surface the
		// event as failed; the execution already happened.
		if err := en.recorder.Record(rec); err != nil {
			logger.Error("failed to record rule execution",
				"rule_id", rec.RuleID, "error", err.Error())
		}
	}
	return records, nil
}

// AddRule validates and stores a new rule.
func (en *Engine) AddRule(rule *BusinessRule) error {
	if err := ValidateRule(rule, en.registry); err != nil {
		return err
	}
	if err := en.matcher.CompileCondition(rule.Condition); err != nil {
		return &ValidationError{Field: "condition", Reason: err.Error()}
	}
	if err := en.store.Add(rule); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// UpdateRule validates and replaces an existing rule.
func (en *Engine) UpdateRule(rule *BusinessRule) error {
	if err := ValidateRule(rule, en.registry); err != nil {
		return err
	}
	if err := en.matcher.CompileCondition(rule.Condition); err != nil {
		return &ValidationError{Field: "condition", Reason: err.Error()}
	}
	if err := en.store.Update(rule); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule.
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// ToggleRule flips a rule's active flag. Historical counters are left
// untouched; the rule simply drops out of (or rejoins) future matches.
func (en *Engine) ToggleRule(ruleID string, active bool) (*BusinessRule, error) {
	rule, err := en.store.SetActive(ruleID, active)
	if err != nil {
		return nil, err
	}
	en.cache.Invalidate()
	return rule, nil
}

// GetRule returns one rule, including its read-only statistics.
func (en *Engine) GetRule(ruleID string) (*BusinessRule, error) {
	return en.store.Get(ruleID)
}

// ListRules returns all rules in the workspace.
func (en *Engine) ListRules() ([]*BusinessRule, error) {
	return en.store.List()
}

// TestRule dry-runs a rule via the harness. Counters are never mutated.
func (en *Engine) TestRule(ctx context.Context, ruleID string, sample *Event) (*DryRunResult, error) {
	return en.harness.Test(ctx, ruleID, sample)
}

// Records returns recent execution log entries for a rule, newest first.
func (en *Engine) Records(ruleID string, limit int) ([]*ExecutionRecord, error) {
	return en.store.ListRecords(ruleID, limit)
}
