package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/utils"
)

// topupCooldown suppresses duplicate topups when multiple triggers race.
const topupCooldown = 5 * time.Minute

// BalanceRefresher is the lightweight inner sync a topup runs before
// reading balances. Implemented by the sync engine.
type BalanceRefresher interface {
	RefreshBalances(ctx context.Context, client *monzo.Client, userID, accountID string) error
}

// EvaluateFunc re-checks the rule's trigger predicate against fresh
// balances. Wired from the trigger evaluator.
type EvaluateFunc func(ctx context.Context, client *monzo.Client, rule *domain.Rule) (bool, string, error)

// TopupResult reports one topup run.
type TopupResult struct {
	Transferred int64  `json:"transferred"`
	Reason      string `json:"reason,omitempty"`
}

// Topup executes auto_topup rules: keep a target pot or account above a
// floor by pulling from a source.
type Topup struct {
	transfers *TransferService
	refresher BalanceRefresher
	evaluate  EvaluateFunc
}

// NewTopup creates a topup executor.
func NewTopup(transfers *TransferService, refresher BalanceRefresher, evaluate EvaluateFunc) *Topup {
	return &Topup{transfers: transfers, refresher: refresher, evaluate: evaluate}
}

// Execute runs one topup. The predicate is re-checked after an inner
// balance refresh because the enqueue-time evaluation may be minutes old.
func (t *Topup) Execute(ctx context.Context, client *monzo.Client, rule *domain.Rule, accountID string) (*TopupResult, error) {
	cfg, warnings, err := domain.DecodeTopupConfig(rule.Config)
	if err != nil {
		return nil, err
	}
	logConfigWarnings(rule, warnings)

	now := time.Now().UTC()
	if rule.ExecutedWithin(now, topupCooldown) {
		return &TopupResult{Reason: "recently executed"},
			fmt.Errorf("%w: topup executed within the last 5 minutes", domain.ErrDuplicateSuppressed)
	}

	if t.refresher != nil {
		if err := t.refresher.RefreshBalances(ctx, client, rule.MonzoUserID, accountID); err != nil {
			utils.Warn("inner balance refresh failed, using last known balances",
				slog.String("rule_id", rule.RuleID),
				slog.String("error", err.Error()),
			)
		}
	}

	if t.evaluate != nil {
		fire, reason, err := t.evaluate(ctx, client, rule)
		if err != nil {
			return nil, fmt.Errorf("trigger re-evaluation failed: %w", err)
		}
		if !fire {
			return &TopupResult{Reason: "not triggered: " + reason}, nil
		}
	}

	sourceBalance, targetBalance, err := t.readBalances(ctx, client, cfg, accountID)
	if err != nil {
		return nil, err
	}

	amount := cfg.Amount
	if cfg.TargetBalance > 0 {
		needed := cfg.TargetBalance - targetBalance
		if needed <= 0 {
			return &TopupResult{Reason: "target already at or above target balance"}, nil
		}
		if needed < amount {
			amount = needed
		}
	}

	if sourceBalance < amount {
		return &TopupResult{Reason: "insufficient funds in source"},
			fmt.Errorf("%w: need %d, source has %d", domain.ErrInsufficientFunds, amount, sourceBalance)
	}

	dedupe := "topup_" + now.Format(time.RFC3339)
	if err := t.move(ctx, client, rule, cfg, accountID, amount, dedupe); err != nil {
		return nil, err
	}

	utils.Info("topup completed",
		slog.String("rule_id", rule.RuleID),
		slog.Int64("transferred", amount),
	)
	return &TopupResult{Transferred: amount}, nil
}

// readBalances reads live source and target balances for the transfer
// decision.
func (t *Topup) readBalances(ctx context.Context, client *monzo.Client, cfg *domain.TopupConfig, accountID string) (source, target int64, err error) {
	pots, err := client.GetPots(ctx, accountID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read live pots: %w", err)
	}
	potBalance := func(id string) (int64, error) {
		for i := range pots {
			if pots[i].ID == id {
				return pots[i].Balance, nil
			}
		}
		return 0, fmt.Errorf("pot %s not found", id)
	}
	accountBalance := func(id string) (int64, error) {
		b, err := client.GetBalance(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to read account balance: %w", err)
		}
		return b.Balance, nil
	}

	if cfg.SourcePotID != "" {
		source, err = potBalance(cfg.SourcePotID)
	} else {
		source, err = accountBalance(cfg.SourceAccountID)
	}
	if err != nil {
		return 0, 0, err
	}

	if cfg.TargetPotID != "" {
		target, err = potBalance(cfg.TargetPotID)
	} else {
		target, err = accountBalance(cfg.TargetAccountID)
	}
	return source, target, err
}

// move executes the correct transfer shape for the source/target pair.
func (t *Topup) move(ctx context.Context, client *monzo.Client, rule *domain.Rule, cfg *domain.TopupConfig, accountID string, amount int64, dedupe string) error {
	switch {
	case cfg.SourcePotID != "" && cfg.TargetPotID != "":
		return t.transfers.PotToPot(ctx, client, rule.RuleID, rule.MonzoUserID,
			accountID, cfg.SourcePotID, cfg.TargetPotID, amount, dedupe)
	case cfg.SourcePotID != "":
		return t.transfers.PotToAccount(ctx, client, rule.RuleID, rule.MonzoUserID,
			targetAccount(cfg, accountID), cfg.SourcePotID, amount, dedupe)
	case cfg.TargetPotID != "":
		return t.transfers.AccountToPot(ctx, client, rule.RuleID, rule.MonzoUserID,
			cfg.SourceAccountID, cfg.TargetPotID, amount, dedupe)
	default:
		return fmt.Errorf("%w: topup needs at least one pot endpoint", domain.ErrConfigInvalid)
	}
}

func targetAccount(cfg *domain.TopupConfig, fallback string) string {
	if cfg.TargetAccountID != "" {
		return cfg.TargetAccountID
	}
	return fallback
}
