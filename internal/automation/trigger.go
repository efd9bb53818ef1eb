// Package automation decides when rules fire and feeds them into the
// execution queue.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/utils"
)

const (
	// paydayLookback is how far back a salary-sized credit counts.
	paydayLookback = 3 * 24 * time.Hour
	// paydayCooldown blocks repeat payday firings within one pay cycle.
	paydayCooldown = 7 * 24 * time.Hour
	// timeOfDayTolerance widens the configured wall time either side.
	timeOfDayTolerance = 60 * time.Minute
	// defaultLookbackHours bounds transaction_based triggers with no
	// explicit lookback.
	defaultLookbackHours = 24
)

// Evaluator answers "should this rule fire now". Evaluation is pure with
// respect to rule config, the clock, bank reads and mirror reads.
type Evaluator struct {
	repos *repository.Repositories
	cache *repository.RedisClient
	now   func() time.Time
}

// NewEvaluator creates a trigger evaluator.
func NewEvaluator(repos *repository.Repositories, cache *repository.RedisClient) *Evaluator {
	return &Evaluator{repos: repos, cache: cache, now: time.Now}
}

// Evaluate returns whether the rule should fire and a human-readable
// reason either way.
func (ev *Evaluator) Evaluate(ctx context.Context, client *monzo.Client, rule *domain.Rule) (bool, string, error) {
	cfg, warnings, err := rule.DecodeConfig()
	if err != nil {
		return false, "", err
	}
	for _, w := range warnings {
		utils.Warn("rule config normalized",
			slog.String("rule_id", rule.RuleID),
			slog.String("warning", w),
		)
	}

	now := ev.now().UTC()
	switch c := cfg.(type) {
	case *domain.SweepConfig:
		return ev.evaluateSweep(ctx, client, rule, c, now)
	case *domain.AutosorterConfig:
		return ev.evaluateAutosorter(ctx, rule, c, now)
	case *domain.TopupConfig:
		return ev.evaluateTopup(ctx, client, rule, c, now)
	}
	return false, "", fmt.Errorf("%w: unhandled config type", domain.ErrConfigInvalid)
}

func (ev *Evaluator) evaluateSweep(ctx context.Context, client *monzo.Client, rule *domain.Rule, cfg *domain.SweepConfig, now time.Time) (bool, string, error) {
	switch cfg.TriggerType {
	case domain.TriggerManual:
		return false, "manual trigger never fires automatically", nil

	case domain.TriggerMonthly:
		if now.Day() == cfg.TriggerDay {
			return true, fmt.Sprintf("monthly trigger: day %d", cfg.TriggerDay), nil
		}
		return false, fmt.Sprintf("day %d is not trigger day %d", now.Day(), cfg.TriggerDay), nil

	case domain.TriggerWeekly:
		if int(now.Weekday()) == cfg.TriggerDay {
			return true, fmt.Sprintf("weekly trigger: weekday %s", now.Weekday()), nil
		}
		return false, fmt.Sprintf("weekday %s is not trigger weekday %d", now.Weekday(), cfg.TriggerDay), nil

	case domain.TriggerBalanceThreshold:
		balance, stale, err := ev.sourceBalance(ctx, client, rule, cfg)
		if err != nil {
			return false, "", err
		}
		suffix := ""
		if stale {
			suffix = " (stale)"
		}
		if balance >= cfg.TriggerThreshold {
			return true, fmt.Sprintf("balance %d at or above threshold %d%s", balance, cfg.TriggerThreshold, suffix), nil
		}
		return false, fmt.Sprintf("balance %d below threshold %d%s", balance, cfg.TriggerThreshold, suffix), nil

	case domain.TriggerPaydayDetection:
		return ev.evaluatePayday(ctx, rule, cfg, now)
	}
	return false, "", fmt.Errorf("%w: trigger %q not valid for pot_sweep", domain.ErrConfigInvalid, cfg.TriggerType)
}

// evaluatePayday fires when a salary-sized credit landed recently and
// the rule has sat out its cooldown.
func (ev *Evaluator) evaluatePayday(ctx context.Context, rule *domain.Rule, cfg *domain.SweepConfig, now time.Time) (bool, string, error) {
	if rule.ExecutedWithin(now, paydayCooldown) {
		return false, "payday sweep executed within the last 7 days", nil
	}

	txns, err := ev.repos.Transactions.ListSince(ctx, rule.MonzoUserID, "", now.Add(-paydayLookback))
	if err != nil {
		return false, "", fmt.Errorf("failed to scan for payday credits: %w", err)
	}

	pattern := strings.ToLower(cfg.PaydayDescriptionPattern)
	for _, txn := range txns {
		if txn.Amount <= cfg.PaydayThreshold {
			continue
		}
		if pattern != "" && !strings.Contains(strings.ToLower(txn.Description), pattern) {
			continue
		}
		return true, fmt.Sprintf("payday detected: %q credited %d", txn.Description, txn.Amount), nil
	}
	return false, "no payday-sized credit in the last 3 days", nil
}

func (ev *Evaluator) evaluateAutosorter(ctx context.Context, rule *domain.Rule, cfg *domain.AutosorterConfig, now time.Time) (bool, string, error) {
	switch cfg.TriggerType {
	case domain.TriggerManualOnly:
		return false, "manual-only rule never fires automatically", nil

	case domain.TriggerAutomation:
		// Queued only as a dependent of other rules.
		return false, "automation-trigger rules fire as dependents only", nil

	case domain.TriggerPaydayDate:
		day := domain.ClampDayOfMonth(now.Year(), now.Month(), cfg.PaydayDate)
		if now.Day() == day {
			return true, fmt.Sprintf("payday date: day %d", day), nil
		}
		return false, fmt.Sprintf("day %d is not payday date %d", now.Day(), day), nil

	case domain.TriggerTimeOfDay:
		day := domain.ClampDayOfMonth(now.Year(), now.Month(), cfg.PaydayDate)
		if now.Day() != day {
			return false, fmt.Sprintf("day %d is not trigger day %d", now.Day(), day), nil
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), cfg.TriggerHour, cfg.TriggerMinute, 0, 0, time.UTC)
		diff := now.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff <= timeOfDayTolerance {
			return true, fmt.Sprintf("within window of %02d:%02d", cfg.TriggerHour, cfg.TriggerMinute), nil
		}
		return false, fmt.Sprintf("outside window of %02d:%02d", cfg.TriggerHour, cfg.TriggerMinute), nil

	case domain.TriggerDateRange:
		if dayInRange(now.Day(), cfg.StartDay, cfg.EndDay) {
			return true, fmt.Sprintf("day %d within range [%d,%d]", now.Day(), cfg.StartDay, cfg.EndDay), nil
		}
		return false, fmt.Sprintf("day %d outside range [%d,%d]", now.Day(), cfg.StartDay, cfg.EndDay), nil

	case domain.TriggerTransactionBased:
		return ev.evaluateTransactionTrigger(ctx, rule.MonzoUserID, cfg.TxnFilter, now)
	}
	return false, "", fmt.Errorf("%w: trigger %q not valid for autosorter", domain.ErrConfigInvalid, cfg.TriggerType)
}

func (ev *Evaluator) evaluateTopup(ctx context.Context, client *monzo.Client, rule *domain.Rule, cfg *domain.TopupConfig, now time.Time) (bool, string, error) {
	timeFired := false
	var timeReason string

	switch cfg.TriggerType {
	case domain.TriggerMonthly:
		timeFired = now.Day() == cfg.TriggerDay
		timeReason = fmt.Sprintf("monthly trigger: day %d", cfg.TriggerDay)

	case domain.TriggerWeekly:
		timeFired = int(now.Weekday()) == cfg.TriggerDay
		timeReason = fmt.Sprintf("weekly trigger: weekday %d", cfg.TriggerDay)

	case domain.TriggerDaily:
		timeFired = now.Hour() == cfg.TriggerHour && now.Minute() == cfg.TriggerMinute
		timeReason = fmt.Sprintf("daily trigger: %02d:%02d", cfg.TriggerHour, cfg.TriggerMinute)

	case domain.TriggerHourly:
		timeFired = now.Minute() == cfg.TriggerMinute
		timeReason = fmt.Sprintf("hourly trigger: minute %d", cfg.TriggerMinute)

	case domain.TriggerMinute:
		if rule.LastExecutedAt == nil {
			timeFired = true
			timeReason = "minute trigger: never executed"
		} else {
			elapsed := now.Sub(rule.LastExecutedAt.UTC())
			timeFired = elapsed >= time.Duration(cfg.IntervalMinutes)*time.Minute
			timeReason = fmt.Sprintf("minute trigger: %s since last run", elapsed.Round(time.Second))
		}

	case domain.TriggerBalanceThreshold:
		balance, stale, err := ev.topupTargetBalance(ctx, client, rule, cfg)
		if err != nil {
			return false, "", err
		}
		suffix := ""
		if stale {
			suffix = " (stale)"
		}
		if balance <= cfg.MinBalance {
			return true, fmt.Sprintf("target balance %d at or below floor %d%s", balance, cfg.MinBalance, suffix), nil
		}
		return false, fmt.Sprintf("target balance %d above floor %d%s", balance, cfg.MinBalance, suffix), nil

	case domain.TriggerTransactionBased:
		return ev.evaluateTransactionTrigger(ctx, rule.MonzoUserID, cfg.TxnFilter, now)

	default:
		return false, "", fmt.Errorf("%w: trigger %q not valid for auto_topup", domain.ErrConfigInvalid, cfg.TriggerType)
	}

	if !timeFired {
		return false, timeReason + ": condition not met", nil
	}

	// A time trigger with a balance floor fires only when both hold.
	if cfg.MinBalance > 0 {
		balance, stale, err := ev.topupTargetBalance(ctx, client, rule, cfg)
		if err != nil {
			return false, "", err
		}
		if balance > cfg.MinBalance {
			suffix := ""
			if stale {
				suffix = " (stale)"
			}
			return false, fmt.Sprintf("target balance %d above floor %d%s", balance, cfg.MinBalance, suffix), nil
		}
	}
	return true, timeReason, nil
}

// evaluateTransactionTrigger fires when any transaction in the lookback
// window matches every configured filter.
func (ev *Evaluator) evaluateTransactionTrigger(ctx context.Context, userID string, filter *domain.TransactionTriggerFilter, now time.Time) (bool, string, error) {
	if filter == nil {
		return false, "transaction trigger has no filter configured", nil
	}
	lookback := filter.LookbackHours
	if lookback <= 0 {
		lookback = defaultLookbackHours
	}

	txns, err := ev.repos.Transactions.ListSince(ctx, userID, "", now.Add(-time.Duration(lookback)*time.Hour))
	if err != nil {
		return false, "", fmt.Errorf("failed to scan transactions: %w", err)
	}

	for _, txn := range txns {
		if matchesFilter(txn, filter) {
			return true, fmt.Sprintf("transaction %q matched filter", txn.Description), nil
		}
	}
	return false, fmt.Sprintf("no matching transaction in the last %d hours", lookback), nil
}

func matchesFilter(txn *domain.Transaction, filter *domain.TransactionTriggerFilter) bool {
	if filter.DescriptionContains != "" &&
		!strings.Contains(strings.ToLower(txn.Description), strings.ToLower(filter.DescriptionContains)) {
		return false
	}
	amount := txn.Amount
	if amount < 0 {
		amount = -amount
	}
	if filter.MinAmount > 0 && amount < filter.MinAmount {
		return false
	}
	if filter.MaxAmount > 0 && amount > filter.MaxAmount {
		return false
	}
	if filter.Category != "" && !strings.EqualFold(txn.Category, filter.Category) {
		return false
	}
	if filter.Merchant != "" &&
		!strings.Contains(strings.ToLower(txn.Merchant), strings.ToLower(filter.Merchant)) {
		return false
	}
	return true
}

// dayInRange handles ranges that wrap a month boundary, e.g. [28, 3].
func dayInRange(day, start, end int) bool {
	if start <= end {
		return day >= start && day <= end
	}
	return day >= start || day <= end
}

// sourceBalance reads the live balance of a sweep's first source, with
// the cache and mirror as stale fallbacks.
func (ev *Evaluator) sourceBalance(ctx context.Context, client *monzo.Client, rule *domain.Rule, cfg *domain.SweepConfig) (int64, bool, error) {
	source := cfg.Sources[0]
	if strings.EqualFold(source.PotName, domain.MainAccountSource) {
		accountID, err := ev.primaryAccountID(ctx, rule.MonzoUserID)
		if err != nil {
			return 0, false, err
		}
		return ev.accountBalance(ctx, client, accountID)
	}
	pot, err := ev.repos.Pots.GetByName(ctx, rule.MonzoUserID, source.PotName)
	if err != nil {
		return 0, false, fmt.Errorf("source pot %q: %w", source.PotName, err)
	}
	return ev.potBalance(ctx, client, pot)
}

// topupTargetBalance reads the live balance of a topup's target.
func (ev *Evaluator) topupTargetBalance(ctx context.Context, client *monzo.Client, rule *domain.Rule, cfg *domain.TopupConfig) (int64, bool, error) {
	if cfg.TargetPotID != "" {
		pot, err := ev.repos.Pots.GetByID(ctx, cfg.TargetPotID)
		if err != nil {
			return 0, false, fmt.Errorf("target pot %s: %w", cfg.TargetPotID, err)
		}
		return ev.potBalance(ctx, client, pot)
	}
	return ev.accountBalance(ctx, client, cfg.TargetAccountID)
}

// accountBalance tries live, then the Redis cache. The stale flag is
// true whenever the live read failed.
func (ev *Evaluator) accountBalance(ctx context.Context, client *monzo.Client, accountID string) (int64, bool, error) {
	if client != nil {
		if balance, err := client.GetBalance(ctx, accountID); err == nil {
			return balance.Balance, false, nil
		} else if !errors.Is(err, domain.ErrBankTransient) && !errors.Is(err, domain.ErrAuthTransient) {
			return 0, false, err
		}
	}
	if ev.cache != nil {
		if cached, err := ev.cache.GetCachedBalance(ctx, accountID); err == nil {
			utils.Warn("using stale cached balance", slog.String("account_id", accountID))
			return cached.Balance, true, nil
		}
	}
	return 0, false, fmt.Errorf("no balance available for account %s", accountID)
}

// potBalance tries live, then the cache, then the mirror row.
func (ev *Evaluator) potBalance(ctx context.Context, client *monzo.Client, pot *domain.Pot) (int64, bool, error) {
	if client != nil {
		if pots, err := client.GetPots(ctx, pot.AccountID); err == nil {
			for i := range pots {
				if pots[i].ID == pot.PotID {
					return pots[i].Balance, false, nil
				}
			}
		} else if !errors.Is(err, domain.ErrBankTransient) && !errors.Is(err, domain.ErrAuthTransient) {
			return 0, false, err
		}
	}
	if ev.cache != nil {
		if cached, err := ev.cache.GetCachedBalance(ctx, pot.PotID); err == nil {
			utils.Warn("using stale cached balance", slog.String("pot_id", pot.PotID))
			return cached.Balance, true, nil
		}
	}
	utils.Warn("using stale mirrored balance", slog.String("pot_id", pot.PotID))
	return pot.Balance, true, nil
}

func (ev *Evaluator) primaryAccountID(ctx context.Context, userID string) (string, error) {
	accounts, err := ev.repos.Accounts.ListSyncable(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("user %s has no syncable account", userID)
	}
	return accounts[0].AccountID, nil
}
