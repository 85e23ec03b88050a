package automation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/conduitcrm/automation/internal/logger"
)

// compiledCondition pairs a compiled CEL program with the rule version it
// was built from, so edits recompile on next use.
type compiledCondition struct {
	version int64
	prog    cel.Program
}

// Matcher selects the candidate rules for an incoming event: workspace
// match, trigger-type match, active, and (when the rule carries one) a
// passing CEL condition over the event payload. Matching is a pure read.
type Matcher struct {
	workspaceID string
	store       RuleStore
	cache       RulesCache
	env         *cel.Env
	conditions  map[string]compiledCondition
	mu          sync.RWMutex
}

// NewMatcher creates a matcher for one workspace. The CEL environment
// exposes the event and its payload as dynamic values.
func NewMatcher(workspaceID string, store RuleStore, cache RulesCache) (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Matcher{
		workspaceID: workspaceID,
		store:       store,
		cache:       cache,
		env:         env,
		conditions:  make(map[string]compiledCondition),
	}, nil
}

// Match returns the candidate rules for an event. An unknown trigger type
// yields an empty candidate set with a logged warning, not an error; only
// store failures propagate.
func (m *Matcher) Match(event *Event) ([]*BusinessRule, error) {
	if !event.TriggerType.Known() {
		logger.Warn("dropping event with unknown trigger type",
			"event_id", event.ID,
			"trigger_type", string(event.TriggerType))
		return nil, nil
	}
	if event.WorkspaceID != m.workspaceID {
		logger.Warn("event routed to wrong workspace engine",
			"event_id", event.ID,
			"event_workspace", event.WorkspaceID,
			"engine_workspace", m.workspaceID)
		return nil, nil
	}

	rules := m.cache.Get(event.TriggerType)
	if rules == nil {
		var err error
		rules, err = m.store.ListForTrigger(event.TriggerType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		m.cache.Set(event.TriggerType, rules)
	}

	candidates := make([]*BusinessRule, 0, len(rules))
	for _, rule := range rules {
		// Stored rules with structural defects are skipped, never
		// allowed to abort the event.
		if rule.Priority < MinPriority || rule.Priority > MaxPriority {
			logger.Warn("skipping rule with out-of-range priority",
				"rule_id", rule.ID, "priority", rule.Priority)
			continue
		}
		if !rule.Active || rule.WorkspaceID != m.workspaceID {
			continue
		}

		ok, err := m.conditionHolds(rule, event)
		if err != nil {
			logger.Warn("skipping rule with failing condition evaluation",
				"rule_id", rule.ID, "error", err.Error())
			continue
		}
		if ok {
			candidates = append(candidates, rule)
		}
	}

	return candidates, nil
}

// conditionHolds evaluates a rule's CEL condition against the event. An
// empty condition always holds. Non-boolean results are treated as false.
func (m *Matcher) conditionHolds(rule *BusinessRule, event *Event) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}

	prog, err := m.programFor(rule)
	if err != nil {
		return false, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out, _, err := prog.Eval(map[string]any{
		"event": map[string]any{
			"id":           event.ID,
			"trigger_type": string(event.TriggerType),
			"workspace_id": event.WorkspaceID,
			"scope_key":    event.ScopeKey,
			"occurred_at":  event.OccurredAt,
		},
		"payload": payload,
	})
	if err != nil {
		return false, err
	}

	matched, _ := out.Value().(bool)
	return matched, nil
}

// programFor returns the compiled condition for the rule's current
// version, compiling on first use or after an edit.
func (m *Matcher) programFor(rule *BusinessRule) (cel.Program, error) {
	m.mu.RLock()
	cc, ok := m.conditions[rule.ID]
	m.mu.RUnlock()
	if ok && cc.version == rule.Version {
		return cc.prog, nil
	}

	ast, issues := m.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit guards against runaway expressions from a misbehaving
	// CRUD client.
	prog, err := m.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	m.mu.Lock()
	m.conditions[rule.ID] = compiledCondition{version: rule.Version, prog: prog}
	m.mu.Unlock()

	return prog, nil
}

// CompileCondition validates a condition expression without evaluating it.
// The CRUD surface uses this at write time.
func (m *Matcher) CompileCondition(expression string) error {
	if expression == "" {
		return nil
	}
	ast, issues := m.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}
	if _, err := m.env.Program(ast, cel.CostLimit(1000000)); err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}
	return nil
}
