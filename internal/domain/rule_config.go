package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType enumerates every trigger kind across the three rule
// families. Which values a family accepts is checked by AllowsTrigger.
type TriggerType string

const (
	TriggerManual           TriggerType = "manual"
	TriggerManualOnly       TriggerType = "manual_only"
	TriggerMonthly          TriggerType = "monthly"
	TriggerWeekly           TriggerType = "weekly"
	TriggerDaily            TriggerType = "daily"
	TriggerHourly           TriggerType = "hourly"
	TriggerMinute           TriggerType = "minute"
	TriggerBalanceThreshold TriggerType = "balance_threshold"
	TriggerPaydayDetection  TriggerType = "payday_detection"
	TriggerPaydayDate       TriggerType = "payday_date"
	TriggerTimeOfDay        TriggerType = "time_of_day"
	TriggerTransactionBased TriggerType = "transaction_based"
	TriggerDateRange        TriggerType = "date_range"
	TriggerAutomation       TriggerType = "automation_trigger"
)

var familyTriggers = map[RuleFamily][]TriggerType{
	FamilySweep: {
		TriggerManual, TriggerMonthly, TriggerWeekly,
		TriggerPaydayDetection, TriggerBalanceThreshold,
	},
	FamilyAutosorter: {
		TriggerPaydayDate, TriggerTimeOfDay, TriggerTransactionBased,
		TriggerDateRange, TriggerManualOnly, TriggerAutomation,
	},
	FamilyAutoTopup: {
		TriggerMonthly, TriggerWeekly, TriggerDaily, TriggerHourly,
		TriggerMinute, TriggerBalanceThreshold, TriggerTransactionBased,
	},
}

// AllowsTrigger reports whether the family accepts the trigger type.
func (f RuleFamily) AllowsTrigger(t TriggerType) bool {
	for _, allowed := range familyTriggers[f] {
		if allowed == t {
			return true
		}
	}
	return false
}

// NeedsTicker reports whether the trigger type requires a dedicated
// per-rule ticker. Calendar-aligned triggers ride the global automation
// tick instead.
func (t TriggerType) NeedsTicker() bool {
	switch t {
	case TriggerMinute, TriggerHourly, TriggerDaily, TriggerWeekly,
		TriggerMonthly, TriggerBalanceThreshold:
		return true
	}
	return false
}

// Defaults applied during config normalization, all in minor units.
const (
	DefaultPaydayThreshold   = 50_000
	DefaultMinHoldingBalance = 10_000
)

// MainAccountSource is the sentinel sweep source name referring to the
// primary account balance rather than a pot.
const MainAccountSource = "main account"

// SweepStrategy decides how much a sweep source contributes.
type SweepStrategy string

const (
	StrategyFixedAmount      SweepStrategy = "fixed_amount"
	StrategyPercentage       SweepStrategy = "percentage"
	StrategyRemainingBalance SweepStrategy = "remaining_balance"
	StrategyAllAvailable     SweepStrategy = "all_available"
)

// Valid reports whether the strategy is a member of the closed set.
func (s SweepStrategy) Valid() bool {
	switch s {
	case StrategyFixedAmount, StrategyPercentage, StrategyRemainingBalance, StrategyAllAvailable:
		return true
	}
	return false
}

// SweepSource is one ordered source of a sweep rule.
type SweepSource struct {
	PotName    string        `json:"potName"`
	Strategy   SweepStrategy `json:"strategy"`
	Amount     int64         `json:"amount,omitempty"`
	Percentage float64       `json:"percentage,omitempty"`
	MinBalance int64         `json:"minBalance,omitempty"`
	Priority   int           `json:"priority"`
}

// SweepConfig configures a pot_sweep rule.
type SweepConfig struct {
	Version       int           `json:"version"`
	Sources       []SweepSource `json:"sources"`
	TargetPotName string        `json:"targetPotName"`

	TriggerType              TriggerType `json:"triggerType"`
	TriggerDay               int         `json:"triggerDay,omitempty"`
	TriggerThreshold         int64       `json:"triggerThreshold,omitempty"`
	PaydayThreshold          int64       `json:"paydayThreshold,omitempty"`
	PaydayDescriptionPattern string      `json:"paydayDescriptionPattern,omitempty"`
}

// TransactionTriggerFilter restricts transaction_based triggers to
// transactions matching every configured field.
type TransactionTriggerFilter struct {
	DescriptionContains string `json:"descriptionContains,omitempty"`
	MinAmount           int64  `json:"minAmount,omitempty"`
	MaxAmount           int64  `json:"maxAmount,omitempty"`
	Category            string `json:"category,omitempty"`
	Merchant            string `json:"merchant,omitempty"`
	// LookbackHours bounds how far back matching transactions count.
	LookbackHours int `json:"lookbackHours,omitempty"`
}

// PotAllocation is one target of an autosorter section.
type PotAllocation struct {
	PotID          string  `json:"potId"`
	PotName        string  `json:"potName"`
	AllocationType string  `json:"allocationType"`
	Amount         int64   `json:"amount,omitempty"`
	Percentage     float64 `json:"percentage,omitempty"`
	GoalAmount     int64   `json:"goalAmount,omitempty"`
	MaxAllocation  int64   `json:"maxAllocation,omitempty"`
	Priority       int     `json:"priority"`
	UseAllRemain   bool    `json:"useAllRemaining,omitempty"`
}

// AutosorterConfig configures an autosorter rule.
type AutosorterConfig struct {
	Version      int    `json:"version"`
	HoldingPotID string `json:"holdingPotId"`
	BillsPotID   string `json:"billsPotId"`

	PriorityPots   []PotAllocation `json:"priorityPots,omitempty"`
	GoalPots       []PotAllocation `json:"goalPots,omitempty"`
	InvestmentPots []PotAllocation `json:"investmentPots,omitempty"`

	HoldingReserveAmount     int64   `json:"holdingReserveAmount,omitempty"`
	HoldingReservePercentage float64 `json:"holdingReservePercentage,omitempty"`
	MinHoldingBalance        int64   `json:"minHoldingBalance,omitempty"`
	IncludeGoalPots          *bool   `json:"includeGoalPots,omitempty"`

	TriggerType TriggerType `json:"triggerType"`
	// PaydayDate is the expected salary day-of-month; also the bills
	// spending cycle boundary. Clamped to the month's last day.
	PaydayDate    int                       `json:"paydayDate,omitempty"`
	TriggerHour   int                       `json:"triggerHour,omitempty"`
	TriggerMinute int                       `json:"triggerMinute,omitempty"`
	StartDay      int                       `json:"startDay,omitempty"`
	EndDay        int                       `json:"endDay,omitempty"`
	TxnFilter     *TransactionTriggerFilter `json:"transactionFilter,omitempty"`
}

// GoalPotsIncluded resolves the IncludeGoalPots default (true).
func (c *AutosorterConfig) GoalPotsIncluded() bool {
	if c.IncludeGoalPots == nil {
		return true
	}
	return *c.IncludeGoalPots
}

// TopupConfig configures an auto_topup rule.
type TopupConfig struct {
	Version         int    `json:"version"`
	SourceAccountID string `json:"sourceAccountId"`
	SourcePotID     string `json:"sourcePotId,omitempty"`
	TargetPotID     string `json:"targetPotId"`
	TargetAccountID string `json:"targetAccountId,omitempty"`
	// Amount is the maximum to transfer per execution.
	Amount int64 `json:"amount"`
	// TargetBalance, when set, tops the target up to this level instead
	// of moving a flat Amount.
	TargetBalance int64 `json:"targetBalance,omitempty"`

	TriggerType     TriggerType `json:"triggerType"`
	TriggerDay      int         `json:"triggerDay,omitempty"`
	TriggerHour     int         `json:"triggerHour,omitempty"`
	TriggerMinute   int         `json:"triggerMinute,omitempty"`
	IntervalMinutes int         `json:"intervalMinutes,omitempty"`
	// MinBalance gates time triggers on the target balance being below
	// this value, and is the threshold for balance_threshold triggers.
	MinBalance int64                     `json:"minBalance,omitempty"`
	TxnFilter  *TransactionTriggerFilter `json:"transactionFilter,omitempty"`
}

// DecodeSweepConfig decodes, validates and normalizes a sweep config.
func DecodeSweepConfig(raw json.RawMessage) (*SweepConfig, []string, error) {
	var cfg SweepConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	var warnings []string
	if len(cfg.Sources) == 0 {
		return nil, nil, fmt.Errorf("%w: sweep requires at least one source", ErrConfigInvalid)
	}
	if cfg.TargetPotName == "" {
		return nil, nil, fmt.Errorf("%w: sweep requires targetPotName", ErrConfigInvalid)
	}
	if !FamilySweep.AllowsTrigger(cfg.TriggerType) {
		return nil, nil, fmt.Errorf("%w: trigger %q not valid for pot_sweep", ErrConfigInvalid, cfg.TriggerType)
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if !src.Strategy.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown sweep strategy %q", ErrConfigInvalid, src.Strategy)
		}
		if p, w := normalizePercentage(src.Percentage); w != "" {
			src.Percentage = p
			warnings = append(warnings, fmt.Sprintf("source %q: %s", src.PotName, w))
		}
	}
	if cfg.PaydayThreshold == 0 {
		cfg.PaydayThreshold = DefaultPaydayThreshold
	}
	return &cfg, warnings, nil
}

// DecodeAutosorterConfig decodes, validates and normalizes an autosorter config.
func DecodeAutosorterConfig(raw json.RawMessage) (*AutosorterConfig, []string, error) {
	var cfg AutosorterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	var warnings []string
	if cfg.HoldingPotID == "" {
		return nil, nil, fmt.Errorf("%w: autosorter requires holdingPotId", ErrConfigInvalid)
	}
	if !FamilyAutosorter.AllowsTrigger(cfg.TriggerType) {
		return nil, nil, fmt.Errorf("%w: trigger %q not valid for autosorter", ErrConfigInvalid, cfg.TriggerType)
	}
	if p, w := normalizePercentage(cfg.HoldingReservePercentage); w != "" {
		cfg.HoldingReservePercentage = p
		warnings = append(warnings, "holdingReservePercentage: "+w)
	}
	for _, section := range [][]PotAllocation{cfg.PriorityPots, cfg.GoalPots, cfg.InvestmentPots} {
		for i := range section {
			alloc := &section[i]
			if alloc.PotID == "" {
				return nil, nil, fmt.Errorf("%w: allocation missing potId", ErrConfigInvalid)
			}
			if p, w := normalizePercentage(alloc.Percentage); w != "" {
				alloc.Percentage = p
				warnings = append(warnings, fmt.Sprintf("allocation %q: %s", alloc.PotName, w))
			}
		}
	}
	if cfg.MinHoldingBalance == 0 {
		cfg.MinHoldingBalance = DefaultMinHoldingBalance
	}
	return &cfg, warnings, nil
}

// DecodeTopupConfig decodes, validates and normalizes an auto-topup config.
func DecodeTopupConfig(raw json.RawMessage) (*TopupConfig, []string, error) {
	var cfg TopupConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if cfg.TargetPotID == "" && cfg.TargetAccountID == "" {
		return nil, nil, fmt.Errorf("%w: auto_topup requires a target pot or account", ErrConfigInvalid)
	}
	if cfg.SourceAccountID == "" && cfg.SourcePotID == "" {
		return nil, nil, fmt.Errorf("%w: auto_topup requires a source account or pot", ErrConfigInvalid)
	}
	if cfg.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: auto_topup amount must be positive", ErrConfigInvalid)
	}
	if !FamilyAutoTopup.AllowsTrigger(cfg.TriggerType) {
		return nil, nil, fmt.Errorf("%w: trigger %q not valid for auto_topup", ErrConfigInvalid, cfg.TriggerType)
	}
	if cfg.TriggerType == TriggerMinute && cfg.IntervalMinutes <= 0 {
		return nil, nil, fmt.Errorf("%w: minute trigger requires intervalMinutes", ErrConfigInvalid)
	}
	return &cfg, nil, nil
}

// normalizePercentage converts legacy whole-number percentages (>1) to
// the decimal 0.0-1.0 representation, returning a warning when it does.
func normalizePercentage(p float64) (float64, string) {
	if p > 1.0 {
		return p / 100, fmt.Sprintf("percentage %.2f normalized to %.4f", p, p/100)
	}
	return p, ""
}

// ClampDayOfMonth clamps day to the number of days in the given month.
// A paydayDate of 31 lands on Feb 28/29, Apr 30 and so on.
func ClampDayOfMonth(year int, month time.Month, day int) int {
	if day < 1 {
		return 1
	}
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// LastPaydayDate returns the most recent occurrence of paydayDate on or
// before now: today if the clamped day-of-month matches or has passed,
// otherwise the prior month's occurrence.
func LastPaydayDate(now time.Time, paydayDate int) time.Time {
	now = now.UTC()
	day := ClampDayOfMonth(now.Year(), now.Month(), paydayDate)
	candidate := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, time.UTC)
	if candidate.After(now) {
		prev := now.AddDate(0, -1, 0)
		day = ClampDayOfMonth(prev.Year(), prev.Month(), paydayDate)
		candidate = time.Date(prev.Year(), prev.Month(), day, 0, 0, 0, 0, time.UTC)
	}
	return candidate
}
