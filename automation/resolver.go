package automation

import "sort"

// singleWinnerTriggers declares which trigger types are inherently
// single-outcome: only the top-ranked matching rule runs. Every other
// trigger type is multi-fire and runs all matching rules in order. The
// policy is a fixed table, never inferred per event.
var singleWinnerTriggers = map[TriggerType]bool{
	TriggerStatusChange:         true,
	TriggerPriorityChange:       true,
	TriggerCompletionRate:       true,
	TriggerWorkloadBalance:      true,
	TriggerCustomerSatisfaction: true,
}

// SingleWinner reports whether a trigger type selects at most one rule.
func (t TriggerType) SingleWinner() bool {
	return singleWinnerTriggers[t]
}

// Resolver orders candidate rules into an execution plan.
type Resolver struct{}

// NewResolver creates a conflict resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve turns the matcher's candidates into an ordered execution plan.
// Candidates are ranked by priority descending, then CreatedAt ascending,
// then ID ascending, which makes the order a deterministic total order.
// Multi-fire triggers run every matching rule in rank order, default rules
// included. Single-winner triggers run only the top-ranked non-default
// rule; the active default (lowest ID when several exist) is the fallback
// when no non-default rule matched. An empty plan is a normal outcome.
func (r *Resolver) Resolve(trigger TriggerType, candidates []*BusinessRule) []*BusinessRule {
	if len(candidates) == 0 {
		return nil
	}

	ranked := make([]*BusinessRule, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})

	if !trigger.SingleWinner() {
		return ranked
	}

	for _, rule := range ranked {
		if rule.Default {
			continue
		}
		return []*BusinessRule{rule}
	}

	if def := pickDefault(ranked); def != nil {
		return []*BusinessRule{def}
	}
	return nil
}

// pickDefault chooses the fallback among default rules. Multiple defaults
// for one (workspace, trigger) are tolerated; the lowest ID wins so the
// choice is deterministic.
func pickDefault(ranked []*BusinessRule) *BusinessRule {
	var def *BusinessRule
	for _, rule := range ranked {
		if !rule.Default || !rule.Active {
			continue
		}
		if def == nil || rule.ID < def.ID {
			def = rule
		}
	}
	return def
}
