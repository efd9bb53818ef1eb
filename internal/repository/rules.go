package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/potmatic/potmatic/internal/domain"
)

// rulesRepo implements the RulesRepo interface. Config and execution
// metadata live in JSONB columns.
type rulesRepo struct {
	db *pgxpool.Pool
}

// NewRulesRepo creates a new rules repository.
func NewRulesRepo(db *pgxpool.Pool) RulesRepo {
	return &rulesRepo{db: db}
}

const ruleColumns = `rule_id, monzo_user_id, family, name, enabled, config,
	execution_metadata, last_executed_at, created_at, updated_at`

// Create persists a new rule.
func (r *rulesRepo) Create(ctx context.Context, rule *domain.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	meta, err := json.Marshal(rule.ExecutionMetadata)
	if err != nil {
		return fmt.Errorf("failed to marshal execution metadata: %w", err)
	}

	query := `
		INSERT INTO automation_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, query,
		rule.RuleID, rule.MonzoUserID, rule.Family, rule.Name, rule.Enabled,
		rule.Config, meta, rule.LastExecutedAt, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// Update replaces the user-editable columns: name, enabled flag and
// config. Execution bookkeeping goes through RecordExecution instead.
func (r *rulesRepo) Update(ctx context.Context, rule *domain.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	result, err := r.db.Exec(ctx, `
		UPDATE automation_rules SET name = $2, enabled = $3, config = $4, updated_at = NOW()
		WHERE rule_id = $1`,
		rule.RuleID, rule.Name, rule.Enabled, rule.Config,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a rule permanently.
func (r *rulesRepo) Delete(ctx context.Context, ruleID string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM automation_rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanRule(row pgx.Row) (*domain.Rule, error) {
	var rule domain.Rule
	var meta []byte
	err := row.Scan(
		&rule.RuleID, &rule.MonzoUserID, &rule.Family, &rule.Name, &rule.Enabled,
		&rule.Config, &meta, &rule.LastExecutedAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rule.ExecutionMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode execution metadata for rule %s: %w", rule.RuleID, err)
		}
	}
	return &rule, nil
}

// GetByID retrieves a rule.
func (r *rulesRepo) GetByID(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE rule_id = $1`
	return scanRule(r.db.QueryRow(ctx, query, ruleID))
}

func (r *rulesRepo) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Rule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListForUser retrieves all rules for a user.
func (r *rulesRepo) ListForUser(ctx context.Context, monzoUserID string) ([]*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE monzo_user_id = $1 ORDER BY created_at`
	return r.list(ctx, query, monzoUserID)
}

// ListEnabledForUser retrieves enabled rules for a user.
func (r *rulesRepo) ListEnabledForUser(ctx context.Context, monzoUserID string) ([]*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules
		WHERE monzo_user_id = $1 AND enabled = true ORDER BY created_at`
	return r.list(ctx, query, monzoUserID)
}

// ListEnabled retrieves all enabled rules across users.
func (r *rulesRepo) ListEnabled(ctx context.Context) ([]*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE enabled = true ORDER BY monzo_user_id, created_at`
	return r.list(ctx, query)
}

// RecordExecution stamps last_executed_at and execution metadata.
// Last writer wins; rule rows carry no optimistic lock.
func (r *rulesRepo) RecordExecution(ctx context.Context, ruleID string, executedAt time.Time, metadata *domain.ExecutionMetadata) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal execution metadata: %w", err)
	}

	result, err := r.db.Exec(ctx, `
		UPDATE automation_rules SET last_executed_at = $2, execution_metadata = $3, updated_at = NOW()
		WHERE rule_id = $1`,
		ruleID, executedAt.UTC(), meta,
	)
	if err != nil {
		return fmt.Errorf("failed to record rule execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
