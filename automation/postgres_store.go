package automation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL, scoped to a
// single workspace. The per-rule counter update runs as a single versioned
// UPDATE, so concurrent recorders for the same rule never lose updates.
type PostgresRuleStore struct {
	db          *sql.DB
	workspaceID string
}

// NewPostgresRuleStore creates a workspace-scoped PostgreSQL rule store.
func NewPostgresRuleStore(db *sql.DB, workspaceID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:          db,
		workspaceID: workspaceID,
	}
}

const ruleColumns = `id, workspace_id, name, description, trigger_type, active, is_default,
	priority, condition, body, execution_count, success_count, success_rate,
	average_execution_ms, version, created_at, updated_at`

// Add inserts a new rule.
func (s *PostgresRuleStore) Add(rule *BusinessRule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM business_rules WHERE id = $1 AND workspace_id = $2)
	`, rule.ID, s.workspaceID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	body, err := json.Marshal(rule.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal rule body: %w", err)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1

	_, err = s.db.Exec(`
		INSERT INTO business_rules (id, workspace_id, name, description, trigger_type,
			active, is_default, priority, condition, body, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rule.ID, s.workspaceID, rule.Name, rule.Description, string(rule.TriggerType),
		rule.Active, rule.Default, rule.Priority, rule.Condition, body,
		rule.Version, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID.
func (s *PostgresRuleStore) Get(id string) (*BusinessRule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE id = $1 AND workspace_id = $2
	`, id, s.workspaceID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// Update replaces a rule definition, bumping its version. The derived
// counters are untouched; they belong to the recorder's update path.
func (s *PostgresRuleStore) Update(rule *BusinessRule) error {
	body, err := json.Marshal(rule.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal rule body: %w", err)
	}

	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE business_rules
		SET name = $1, description = $2, trigger_type = $3, active = $4,
			is_default = $5, priority = $6, condition = $7, body = $8,
			version = version + 1, updated_at = $9
		WHERE id = $10 AND workspace_id = $11
	`, rule.Name, rule.Description, string(rule.TriggerType), rule.Active,
		rule.Default, rule.Priority, rule.Condition, body, rule.UpdatedAt,
		rule.ID, s.workspaceID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

// Delete removes a rule. Its execution records cascade at the schema level.
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM business_rules
		WHERE id = $1 AND workspace_id = $2
	`, id, s.workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

// SetActive flips a rule's active flag.
func (s *PostgresRuleStore) SetActive(id string, active bool) (*BusinessRule, error) {
	result, err := s.db.Exec(`
		UPDATE business_rules
		SET active = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND workspace_id = $3
	`, active, id, s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return s.Get(id)
}

// List returns all rules for the workspace, ordered by creation time then
// ID for a stable listing.
func (s *PostgresRuleStore) List() ([]*BusinessRule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE workspace_id = $1
		ORDER BY created_at ASC, id ASC
	`, s.workspaceID)
}

// ListForTrigger returns the active rules for one trigger type. A single
// SELECT gives the consistent snapshot the matcher requires.
func (s *PostgresRuleStore) ListForTrigger(trigger TriggerType) ([]*BusinessRule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE workspace_id = $1 AND trigger_type = $2 AND active = true
		ORDER BY created_at ASC, id ASC
	`, s.workspaceID, string(trigger))
}

func (s *PostgresRuleStore) query(q string, args ...any) ([]*BusinessRule, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*BusinessRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

// CompareAndSetStats writes the derived counters under optimistic version
// control. Zero rows affected with an existing rule means the version went
// stale under us.
func (s *PostgresRuleStore) CompareAndSetStats(ruleID string, expectedVersion int64, stats ExecutionStats) error {
	result, err := s.db.Exec(`
		UPDATE business_rules
		SET execution_count = $1, success_count = $2, success_rate = $3,
			average_execution_ms = $4, version = version + 1
		WHERE id = $5 AND workspace_id = $6 AND version = $7
	`, stats.ExecutionCount, stats.SuccessCount, stats.SuccessRate,
		stats.AverageExecutionTime.Milliseconds(), ruleID, s.workspaceID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update rule stats: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM business_rules WHERE id = $1 AND workspace_id = $2)
	`, ruleID, s.workspaceID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("rule %s: %w", ruleID, ErrRuleNotFound)
	}
	return fmt.Errorf("rule %s: %w", ruleID, ErrConcurrencyConflict)
}

// AppendRecord inserts an immutable execution log entry.
func (s *PostgresRuleStore) AppendRecord(rec *ExecutionRecord) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO execution_records (id, rule_id, rule_name, event_id, outcome,
			duration_ms, steps, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.RuleID, rec.RuleName, rec.EventID, string(rec.Outcome),
		rec.Duration.Milliseconds(), steps, rec.Error, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}

	return nil
}

// ListRecords returns up to limit records for a rule, newest first.
func (s *PostgresRuleStore) ListRecords(ruleID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, rule_id, rule_name, event_id, outcome, duration_ms, steps, error, started_at
		FROM execution_records
		WHERE rule_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var outcome string
		var durationMs int64
		var steps []byte
		if err := rows.Scan(&rec.ID, &rec.RuleID, &rec.RuleName, &rec.EventID,
			&outcome, &durationMs, &steps, &rec.Error, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &rec.Steps); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*BusinessRule, error) {
	var rule BusinessRule
	var trigger string
	var body []byte
	var avgMs int64
	if err := row.Scan(&rule.ID, &rule.WorkspaceID, &rule.Name, &rule.Description,
		&trigger, &rule.Active, &rule.Default, &rule.Priority, &rule.Condition,
		&body, &rule.ExecutionCount, &rule.SuccessCount, &rule.SuccessRate,
		&avgMs, &rule.Version, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.TriggerType = TriggerType(trigger)
	rule.AverageExecutionTime = time.Duration(avgMs) * time.Millisecond
	if err := json.Unmarshal(body, &rule.Body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule body: %w", err)
	}
	return &rule, nil
}
