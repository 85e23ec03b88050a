package automation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/conduitcrm/automation/internal/logger"
)

// statsRetryLimit bounds how often a stale-version counter update is
// refetched and retried before giving up on the counters (the execution
// record itself is still appended).
const statsRetryLimit = 3

// Recorder owns the derived execution counters on a rule and the
// append-only execution log. It is called exactly once per rule execution.
type Recorder struct {
	store RuleStore
}

// NewRecorder creates a recorder over a rule store.
func NewRecorder(store RuleStore) *Recorder {
	return &Recorder{store: store}
}

// Record updates the rule's running statistics and appends the immutable
// execution record. Counter updates run under optimistic versioning: a
// concurrent execution of the same rule forces a refetch and retry of just
// this rule's update, never the whole event.
func (r *Recorder) Record(rec *ExecutionRecord) error {
	var lastErr error
	for attempt := 0; attempt < statsRetryLimit; attempt++ {
		rule, err := r.store.Get(rec.RuleID)
		if err != nil {
			// Rule deleted between execution and recording; keep the log
			// entry, drop the counters.
			if errors.Is(err, ErrRuleNotFound) {
				lastErr = nil
				break
			}
			return fmt.Errorf("failed to load rule for stats update: %w", err)
		}

		stats := nextStats(rule, rec.Outcome, rec.Duration)
		err = r.store.CompareAndSetStats(rule.ID, rule.Version, stats)
		if err == nil {
			lastErr = nil
			break
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return fmt.Errorf("failed to update rule stats: %w", err)
		}
		lastErr = err
	}
	if lastErr != nil {
		logger.Warn("giving up on stats update after repeated version conflicts",
			"rule_id", rec.RuleID)
	}

	if err := r.store.AppendRecord(rec); err != nil {
		return fmt.Errorf("failed to append execution record: %w", err)
	}
	return nil
}

// nextStats computes the running counters after one more execution:
// count increments, the success percentage re-derives from the success
// count (rounded to two decimals), and the mean execution time folds the
// new duration in.
func nextStats(rule *BusinessRule, outcome Outcome, duration time.Duration) ExecutionStats {
	count := rule.ExecutionCount + 1
	successes := rule.SuccessCount
	if outcome == OutcomeSuccess {
		successes++
	}

	rate := float64(successes) / float64(count) * 100
	rate = math.Round(rate*100) / 100

	prevAvg := rule.AverageExecutionTime
	avg := (prevAvg*time.Duration(count-1) + duration) / time.Duration(count)

	return ExecutionStats{
		ExecutionCount:       count,
		SuccessCount:         successes,
		SuccessRate:          rate,
		AverageExecutionTime: avg,
	}
}
