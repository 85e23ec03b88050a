package automation

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ExecutionStats is the set of derived counters the execution recorder
// maintains on a rule.
type ExecutionStats struct {
	ExecutionCount       int64
	SuccessCount         int64
	SuccessRate          float64
	AverageExecutionTime time.Duration
}

// RuleStore manages rule persistence and retrieval. The engine reads rule
// definitions through it and writes only the derived execution stats; the
// CRUD surface is the authoritative write path for everything else.
type RuleStore interface {
	// Add a new rule.
	Add(rule *BusinessRule) error

	// Get a rule by ID.
	Get(id string) (*BusinessRule, error)

	// Update an existing rule, bumping its version.
	Update(rule *BusinessRule) error

	// Delete a rule.
	Delete(id string) error

	// SetActive flips a rule's active flag and returns the updated rule.
	SetActive(id string, active bool) (*BusinessRule, error)

	// List returns all rules in the store's workspace.
	List() ([]*BusinessRule, error)

	// ListForTrigger returns a consistent snapshot of the active rules for
	// one trigger type. No returned rule reflects a partial edit mid-read.
	ListForTrigger(trigger TriggerType) ([]*BusinessRule, error)

	// CompareAndSetStats writes the derived counters if the rule's version
	// still equals expectedVersion, bumping the version on success. A stale
	// version returns ErrConcurrencyConflict so the caller can refetch and
	// retry just this rule's update.
	CompareAndSetStats(ruleID string, expectedVersion int64, stats ExecutionStats) error

	// AppendRecord persists an immutable execution log entry.
	AppendRecord(rec *ExecutionRecord) error

	// ListRecords returns the most recent execution records for a rule,
	// newest first.
	ListRecords(ruleID string, limit int) ([]*ExecutionRecord, error)
}

// InMemoryRuleStore implements RuleStore using in-memory maps. Reads hand
// out deep copies so a snapshot never observes a concurrent edit.
type InMemoryRuleStore struct {
	rules   map[string]*BusinessRule
	records map[string][]*ExecutionRecord
	mu      sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:   make(map[string]*BusinessRule),
		records: make(map[string][]*ExecutionRecord),
	}
}

// Add adds a new rule, setting timestamps and the initial version.
func (s *InMemoryRuleStore) Add(rule *BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// Get retrieves a rule by ID.
func (s *InMemoryRuleStore) Get(id string) (*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return cloneRule(rule), nil
}

// Update replaces a rule definition, preserving CreatedAt and the derived
// counters, and bumps the version.
func (s *InMemoryRuleStore) Update(rule *BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	next := cloneRule(rule)
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = time.Now()
	next.Version = existing.Version + 1
	// Derived counters are owned by the recorder, not the CRUD path.
	next.ExecutionCount = existing.ExecutionCount
	next.SuccessCount = existing.SuccessCount
	next.SuccessRate = existing.SuccessRate
	next.AverageExecutionTime = existing.AverageExecutionTime
	s.rules[rule.ID] = next
	return nil
}

// Delete removes a rule and its execution records.
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	delete(s.records, id)
	return nil
}

// SetActive flips the active flag without touching the rest of the rule.
func (s *InMemoryRuleStore) SetActive(id string, active bool) (*BusinessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	rule.Active = active
	rule.UpdatedAt = time.Now()
	rule.Version++
	return cloneRule(rule), nil
}

// List returns all rules, ordered by creation time then ID for a stable
// listing.
func (s *InMemoryRuleStore) List() ([]*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BusinessRule
	for _, rule := range s.rules {
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListForTrigger returns the active rules for one trigger type. The read
// holds the lock once, so the snapshot is consistent.
func (s *InMemoryRuleStore) ListForTrigger(trigger TriggerType) ([]*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BusinessRule
	for _, rule := range s.rules {
		if rule.TriggerType == trigger && rule.Active {
			out = append(out, cloneRule(rule))
		}
	}
	return out, nil
}

// CompareAndSetStats applies the derived counters under optimistic
// version control.
func (s *InMemoryRuleStore) CompareAndSetStats(ruleID string, expectedVersion int64, stats ExecutionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return fmt.Errorf("rule %s: %w", ruleID, ErrRuleNotFound)
	}
	if rule.Version != expectedVersion {
		return fmt.Errorf("rule %s: %w", ruleID, ErrConcurrencyConflict)
	}

	rule.ExecutionCount = stats.ExecutionCount
	rule.SuccessCount = stats.SuccessCount
	rule.SuccessRate = stats.SuccessRate
	rule.AverageExecutionTime = stats.AverageExecutionTime
	rule.Version++
	return nil
}

// AppendRecord stores an execution record, newest first.
func (s *InMemoryRuleStore) AppendRecord(rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.RuleID] = append([]*ExecutionRecord{rec}, s.records[rec.RuleID]...)
	return nil
}

// ListRecords returns up to limit records for a rule, newest first.
func (s *InMemoryRuleStore) ListRecords(ruleID string, limit int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[ruleID]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]*ExecutionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// cloneRule deep-copies a rule so snapshots never alias store state.
func cloneRule(r *BusinessRule) *BusinessRule {
	c := *r
	c.Body = cloneBody(r.Body)
	return &c
}

func cloneBody(b RuleBody) RuleBody {
	c := b
	if b.Actions != nil {
		c.Actions = make([]Action, len(b.Actions))
		for i, a := range b.Actions {
			c.Actions[i] = cloneAction(a)
		}
	}
	if b.Steps != nil {
		c.Steps = make([]WorkflowStep, len(b.Steps))
		for i, s := range b.Steps {
			cs := s
			cs.Actions = make([]Action, len(s.Actions))
			for j, a := range s.Actions {
				cs.Actions[j] = cloneAction(a)
			}
			c.Steps[i] = cs
		}
	}
	return c
}

func cloneAction(a Action) Action {
	c := a
	if a.Params != nil {
		c.Params = make(map[string]any, len(a.Params))
		for k, v := range a.Params {
			c.Params[k] = v
		}
	}
	return c
}
