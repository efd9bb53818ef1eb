package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleFamily identifies which of the three automation families a rule
// belongs to. The family decides how the config blob is interpreted.
type RuleFamily string

const (
	FamilySweep      RuleFamily = "pot_sweep"
	FamilyAutosorter RuleFamily = "autosorter"
	FamilyAutoTopup  RuleFamily = "auto_topup"
)

// Valid reports whether the family is a member of the closed set.
func (f RuleFamily) Valid() bool {
	switch f {
	case FamilySweep, FamilyAutosorter, FamilyAutoTopup:
		return true
	}
	return false
}

// Rule is a persisted automation rule. Config is a discriminated JSON
// document decoded according to Family and validated on read; unknown
// fields are tolerated for forward compatibility.
type Rule struct {
	RuleID      string          `json:"rule_id" db:"rule_id"`
	MonzoUserID string          `json:"monzo_user_id" db:"monzo_user_id"`
	Family      RuleFamily      `json:"family" db:"family"`
	Name        string          `json:"name" db:"name"`
	Enabled     bool            `json:"enabled" db:"enabled"`
	Config      json.RawMessage `json:"config" db:"config"`

	ExecutionMetadata ExecutionMetadata `json:"execution_metadata" db:"execution_metadata"`
	LastExecutedAt    *time.Time        `json:"last_executed_at,omitempty" db:"last_executed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks family membership and decodes the config once to
// surface ErrConfigInvalid early.
func (r *Rule) Validate() error {
	if r.MonzoUserID == "" {
		return fmt.Errorf("monzo_user_id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Family.Valid() {
		return fmt.Errorf("%w: unknown rule family %q", ErrConfigInvalid, r.Family)
	}
	_, _, err := r.DecodeConfig()
	return err
}

// DecodeConfig decodes and normalizes the config blob for the rule's
// family. It returns the typed config (one of *SweepConfig,
// *AutosorterConfig, *TopupConfig) plus any normalization warnings.
func (r *Rule) DecodeConfig() (interface{}, []string, error) {
	switch r.Family {
	case FamilySweep:
		cfg, warnings, err := DecodeSweepConfig(r.Config)
		return cfg, warnings, err
	case FamilyAutosorter:
		cfg, warnings, err := DecodeAutosorterConfig(r.Config)
		return cfg, warnings, err
	case FamilyAutoTopup:
		cfg, warnings, err := DecodeTopupConfig(r.Config)
		return cfg, warnings, err
	default:
		return nil, nil, fmt.Errorf("%w: unknown rule family %q", ErrConfigInvalid, r.Family)
	}
}

// TriggerType returns the trigger type declared in the rule's config.
func (r *Rule) TriggerType() (TriggerType, error) {
	cfg, _, err := r.DecodeConfig()
	if err != nil {
		return "", err
	}
	switch c := cfg.(type) {
	case *SweepConfig:
		return c.TriggerType, nil
	case *AutosorterConfig:
		return c.TriggerType, nil
	case *TopupConfig:
		return c.TriggerType, nil
	}
	return "", fmt.Errorf("%w: config carries no trigger type", ErrConfigInvalid)
}

// ExecutedWithin reports whether the rule last executed within d of now.
// Stored timestamps are coerced to UTC before comparison.
func (r *Rule) ExecutedWithin(now time.Time, d time.Duration) bool {
	if r.LastExecutedAt == nil {
		return false
	}
	return now.UTC().Sub(r.LastExecutedAt.UTC()) < d
}

// executionHistoryLimit bounds the rolling history kept on the rule row.
const executionHistoryLimit = 5

// ExecutionRecord is one entry of the rule's rolling execution history.
type ExecutionRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	AmountMoved int64     `json:"amount_moved"`
	Reason      string    `json:"reason,omitempty"`
}

// ExecutionMetadata holds the last outcome, a bounded history and the
// running execution count for a rule.
type ExecutionMetadata struct {
	LastResult          *ExecutionRecord  `json:"last_result,omitempty"`
	History             []ExecutionRecord `json:"history,omitempty"`
	ExecutionCount      int64             `json:"execution_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
}

// Record appends an outcome, newest first, trimming to the history limit.
func (m *ExecutionMetadata) Record(rec ExecutionRecord) {
	m.LastResult = &rec
	m.History = append([]ExecutionRecord{rec}, m.History...)
	if len(m.History) > executionHistoryLimit {
		m.History = m.History[:executionHistoryLimit]
	}
	m.ExecutionCount++
	if rec.Success {
		m.ConsecutiveFailures = 0
	} else {
		m.ConsecutiveFailures++
	}
}
