package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/utils"
)

// paydaySweepCooldown stops a payday sweep firing more than once per pay
// cycle when scheduler, manual and dependency triggers race.
const paydaySweepCooldown = 7 * 24 * time.Hour

// SweepSourceResult reports one source's contribution.
type SweepSourceResult struct {
	Source   string               `json:"source"`
	Strategy domain.SweepStrategy `json:"strategy"`
	Moved    int64                `json:"moved"`
	Skipped  string               `json:"skipped,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// SweepResult aggregates one sweep run.
type SweepResult struct {
	TotalMoved int64               `json:"total_moved"`
	Sources    []SweepSourceResult `json:"sources"`
	Errors     []string            `json:"errors,omitempty"`
}

// Sweep executes pot_sweep rules: drain configured sources into one
// target pot.
type Sweep struct {
	pots      repository.PotsRepo
	transfers *TransferService
}

// NewSweep creates a sweep executor.
func NewSweep(pots repository.PotsRepo, transfers *TransferService) *Sweep {
	return &Sweep{pots: pots, transfers: transfers}
}

// Execute runs one sweep. Sources are processed in priority order; a
// failure on one source is recorded and the rest continue.
func (s *Sweep) Execute(ctx context.Context, client *monzo.Client, rule *domain.Rule, accountID string) (*SweepResult, error) {
	cfg, warnings, err := domain.DecodeSweepConfig(rule.Config)
	if err != nil {
		return nil, err
	}
	logConfigWarnings(rule, warnings)

	now := time.Now().UTC()
	if cfg.TriggerType == domain.TriggerPaydayDetection && rule.ExecutedWithin(now, paydaySweepCooldown) {
		return nil, fmt.Errorf("%w: payday sweep executed within the last 7 days", domain.ErrDuplicateSuppressed)
	}

	target, err := s.pots.GetByName(ctx, rule.MonzoUserID, cfg.TargetPotName)
	if err != nil {
		return nil, fmt.Errorf("target pot %q: %w", cfg.TargetPotName, err)
	}

	livePots, err := client.GetPots(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read live pots: %w", err)
	}
	potsByName := make(map[string]*monzo.APIPot, len(livePots))
	for i := range livePots {
		if !livePots[i].Deleted {
			potsByName[strings.ToLower(livePots[i].Name)] = &livePots[i]
		}
	}

	sources := append([]domain.SweepSource(nil), cfg.Sources...)
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority < sources[j].Priority
	})

	result := &SweepResult{}
	ts := now.Format(time.RFC3339)

	for _, source := range sources {
		res := SweepSourceResult{Source: source.PotName, Strategy: source.Strategy}

		balance, sourcePotID, err := s.sourceBalance(ctx, client, accountID, source, potsByName)
		if err != nil {
			res.Error = err.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", source.PotName, err))
			result.Sources = append(result.Sources, res)
			continue
		}

		amount := sweepAmount(source, balance)
		if amount <= 0 {
			res.Skipped = "nothing to move"
			result.Sources = append(result.Sources, res)
			continue
		}

		dedupe := sweepDedupe(ts, source.PotName, cfg.TargetPotName)
		if sourcePotID == "" {
			err = s.transfers.AccountToPot(ctx, client, rule.RuleID, rule.MonzoUserID, accountID, target.PotID, amount, dedupe)
		} else {
			err = s.transfers.PotToPot(ctx, client, rule.RuleID, rule.MonzoUserID, accountID, sourcePotID, target.PotID, amount, dedupe)
		}
		if err != nil {
			res.Error = err.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", source.PotName, err))
		} else {
			res.Moved = amount
			result.TotalMoved += amount
		}
		result.Sources = append(result.Sources, res)
	}

	utils.Info("sweep completed",
		slog.String("rule_id", rule.RuleID),
		slog.Int64("total_moved", result.TotalMoved),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// sourceBalance reads the live balance of a source. Returns an empty pot
// id for the main-account sentinel.
func (s *Sweep) sourceBalance(ctx context.Context, client *monzo.Client, accountID string, source domain.SweepSource, potsByName map[string]*monzo.APIPot) (int64, string, error) {
	if strings.EqualFold(source.PotName, domain.MainAccountSource) {
		balance, err := client.GetBalance(ctx, accountID)
		if err != nil {
			return 0, "", fmt.Errorf("failed to read account balance: %w", err)
		}
		return balance.Balance, "", nil
	}

	pot, ok := potsByName[strings.ToLower(source.PotName)]
	if !ok {
		return 0, "", fmt.Errorf("source pot %q not found", source.PotName)
	}
	return pot.Balance, pot.ID, nil
}

// sweepAmount computes how much a source contributes under its strategy.
func sweepAmount(source domain.SweepSource, balance int64) int64 {
	if balance <= 0 {
		return 0
	}
	switch source.Strategy {
	case domain.StrategyFixedAmount:
		if source.Amount < balance {
			return source.Amount
		}
		return balance
	case domain.StrategyPercentage:
		return applyPercentage(balance, source.Percentage)
	case domain.StrategyRemainingBalance:
		if source.MinBalance <= 0 {
			return balance
		}
		remaining := balance - source.MinBalance
		if remaining < 0 {
			return 0
		}
		return remaining
	case domain.StrategyAllAvailable:
		return balance
	}
	return 0
}

// applyPercentage floors balance*p with guards against non-finite
// inputs, which yield zero.
func applyPercentage(balance int64, p float64) int64 {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			utils.Error("non-finite percentage in rule config", slog.Float64("percentage", p))
		}
		return 0
	}
	if p > 1 {
		p = 1
	}
	return int64(math.Floor(float64(balance) * p))
}

func sweepDedupe(ts, source, target string) string {
	clean := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), " ", "_")
	}
	return fmt.Sprintf("sweep_%s_%s_%s", ts, clean(source), clean(target))
}

func logConfigWarnings(rule *domain.Rule, warnings []string) {
	for _, w := range warnings {
		utils.Warn("rule config normalized",
			slog.String("rule_id", rule.RuleID),
			slog.String("warning", w),
		)
	}
}
