package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/utils"
)

// goalPotShareDivisor caps any single goal pot's share of the remaining
// holding-available during the equal-shares phase at one fifth.
const goalPotShareDivisor = 5

// AutosorterAllocation reports one transfer decided by a run.
type AutosorterAllocation struct {
	Phase     string `json:"phase"`
	PotID     string `json:"pot_id"`
	PotName   string `json:"pot_name"`
	Requested int64  `json:"requested"`
	Moved     int64  `json:"moved"`
	Error     string `json:"error,omitempty"`
}

// AutosorterResult aggregates one autosorter run.
type AutosorterResult struct {
	Available   int64                  `json:"available"`
	TotalMoved  int64                  `json:"total_moved"`
	Reason      string                 `json:"reason,omitempty"`
	Allocations []AutosorterAllocation `json:"allocations"`
	Errors      []string               `json:"errors,omitempty"`
}

// Autosorter distributes a holding pot across bills, priority, goal and
// investment pots in a fixed phase order.
type Autosorter struct {
	pots      repository.PotsRepo
	bills     repository.BillsRepo
	transfers *TransferService
}

// NewAutosorter creates an autosorter executor.
func NewAutosorter(pots repository.PotsRepo, bills repository.BillsRepo, transfers *TransferService) *Autosorter {
	return &Autosorter{pots: pots, bills: bills, transfers: transfers}
}

// run carries the mutable state of one execution.
type autosorterRun struct {
	client    *monzo.Client
	rule      *domain.Rule
	cfg       *domain.AutosorterConfig
	accountID string
	ts        string

	livePots  map[string]*monzo.APIPot
	available int64
	result    *AutosorterResult
}

// Execute runs one autosorter pass. Phase order is fixed: bills
// replenishment, priority pots, goal pots, investments.
func (a *Autosorter) Execute(ctx context.Context, client *monzo.Client, rule *domain.Rule, accountID string) (*AutosorterResult, error) {
	cfg, warnings, err := domain.DecodeAutosorterConfig(rule.Config)
	if err != nil {
		return nil, err
	}
	logConfigWarnings(rule, warnings)

	apiPots, err := client.GetPots(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read live pots: %w", err)
	}
	livePots := make(map[string]*monzo.APIPot, len(apiPots))
	for i := range apiPots {
		if !apiPots[i].Deleted {
			livePots[apiPots[i].ID] = &apiPots[i]
		}
	}

	holding, ok := livePots[cfg.HoldingPotID]
	if !ok {
		return nil, fmt.Errorf("holding pot %s not found", cfg.HoldingPotID)
	}

	run := &autosorterRun{
		client:    client,
		rule:      rule,
		cfg:       cfg,
		accountID: accountID,
		ts:        time.Now().UTC().Format(time.RFC3339),
		livePots:  livePots,
		available: availableAmount(holding.Balance, cfg),
		result:    &AutosorterResult{},
	}
	run.result.Available = run.available

	if run.available <= 0 {
		run.result.Reason = "no funds available for distribution"
		utils.Info("autosorter has nothing to distribute",
			slog.String("rule_id", rule.RuleID),
			slog.Int64("holding_balance", holding.Balance),
		)
		return run.result, fmt.Errorf("%w: no funds available for distribution", domain.ErrInsufficientFunds)
	}

	a.replenishBills(ctx, run)
	a.fillPriorityPots(ctx, run)
	if cfg.GoalPotsIncluded() {
		a.fillGoalPots(ctx, run)
	}
	a.fillInvestmentPots(ctx, run)

	utils.Info("autosorter completed",
		slog.String("rule_id", rule.RuleID),
		slog.Int64("total_moved", run.result.TotalMoved),
		slog.Int64("left_available", run.available),
		slog.Int("errors", len(run.result.Errors)),
	)
	return run.result, nil
}

// availableAmount computes distributable funds above the holding
// reserve. A percentage reserve takes precedence over the flat one.
func availableAmount(holdingBalance int64, cfg *domain.AutosorterConfig) int64 {
	var reserve int64
	if cfg.HoldingReservePercentage > 0 {
		reserve = applyPercentage(holdingBalance, cfg.HoldingReservePercentage)
	} else {
		reserve = cfg.HoldingReserveAmount
		if cfg.MinHoldingBalance > reserve {
			reserve = cfg.MinHoldingBalance
		}
	}
	available := holdingBalance - reserve
	if available < 0 {
		return 0
	}
	return available
}

// replenishBills tops the bills pot back up by what was spent from it
// since the last payday.
func (a *Autosorter) replenishBills(ctx context.Context, run *autosorterRun) {
	cfg := run.cfg
	if cfg.BillsPotID == "" {
		return
	}

	lastPayday := domain.LastPaydayDate(time.Now().UTC(), cfg.PaydayDate)
	spending, err := a.bills.SumOutgoingSince(ctx, run.rule.MonzoUserID, cfg.BillsPotID, lastPayday)
	if err != nil {
		run.fail("bills", cfg.BillsPotID, "", 0, fmt.Errorf("failed to compute bills spending: %w", err))
		return
	}
	if spending <= 0 {
		return
	}

	amount := spending
	if amount > run.available {
		amount = run.available
	}
	a.transfer(ctx, run, "bills", cfg.BillsPotID, amount)
}

// fillPriorityPots honors explicit per-pot requests in priority order,
// capped by goal space and what is left to distribute.
func (a *Autosorter) fillPriorityPots(ctx context.Context, run *autosorterRun) {
	allocations := append([]domain.PotAllocation(nil), run.cfg.PriorityPots...)
	sort.SliceStable(allocations, func(i, j int) bool {
		return allocations[i].Priority < allocations[j].Priority
	})

	for _, alloc := range allocations {
		if run.available <= 0 {
			return
		}
		requested := a.requestedAmount(alloc, run.available)
		amount := minPositive(requested, run.goalSpace(alloc), run.available)
		if amount <= 0 {
			continue
		}
		a.transfer(ctx, run, "priority", alloc.PotID, amount)
	}
}

// fillGoalPots splits remaining funds equally across every goal-carrying
// pot not claimed by another section, capping each share.
func (a *Autosorter) fillGoalPots(ctx context.Context, run *autosorterRun) {
	if run.available <= 0 {
		return
	}

	claimed := map[string]bool{run.cfg.HoldingPotID: true, run.cfg.BillsPotID: true}
	for _, alloc := range run.cfg.PriorityPots {
		claimed[alloc.PotID] = true
	}
	for _, alloc := range run.cfg.InvestmentPots {
		claimed[alloc.PotID] = true
	}

	var targets []*monzo.APIPot
	for _, pot := range run.livePots {
		if pot.Goal > 0 && pot.Balance < pot.Goal && !claimed[pot.ID] {
			targets = append(targets, pot)
		}
	}
	if len(targets) == 0 {
		return
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })

	phaseBudget := run.available
	share := phaseBudget / int64(len(targets))
	shareCap := phaseBudget / goalPotShareDivisor

	for _, pot := range targets {
		if run.available <= 0 {
			return
		}
		amount := minPositive(share, shareCap, pot.Goal-pot.Balance, run.available)
		if amount <= 0 {
			continue
		}
		a.transfer(ctx, run, "goal", pot.ID, amount)
	}
}

// fillInvestmentPots allocates in two passes: initial per-pot amounts
// capped by maxAllocation and goal space, then unused funds
// redistributed into pots that still have room, goal-bounded pots first
// and any remainder into the highest-priority goal-less pot.
func (a *Autosorter) fillInvestmentPots(ctx context.Context, run *autosorterRun) {
	allocations := run.cfg.InvestmentPots
	if len(allocations) == 0 || run.available <= 0 {
		return
	}

	phaseBudget := run.available
	planned := make([]int64, len(allocations))
	equalShare := phaseBudget / int64(len(allocations))

	// Pass 1: initial allocations.
	var total int64
	for i, alloc := range allocations {
		var initial int64
		switch {
		case alloc.Percentage > 0:
			initial = applyPercentage(phaseBudget, alloc.Percentage)
		case alloc.Amount > 0:
			initial = alloc.Amount
		default:
			initial = equalShare
		}
		if alloc.MaxAllocation > 0 && initial > alloc.MaxAllocation {
			initial = alloc.MaxAllocation
		}
		if space := run.goalSpace(alloc); space >= 0 && initial > space {
			initial = space
		}
		if initial < 0 {
			initial = 0
		}
		planned[i] = initial
		total += initial
	}
	if total > phaseBudget {
		// Scale back proportionally; the budget is the hard bound.
		scale := float64(phaseBudget) / float64(total)
		total = 0
		for i := range planned {
			planned[i] = int64(float64(planned[i]) * scale)
			total += planned[i]
		}
	}

	// Pass 2: redistribute unused budget into remaining space.
	if unused := phaseBudget - total; unused > 0 {
		a.redistribute(run, allocations, planned, unused)
	}

	// Pass 3: execute.
	for i, alloc := range allocations {
		if run.available <= 0 {
			return
		}
		amount := planned[i]
		if amount > run.available {
			amount = run.available
		}
		if amount <= 0 {
			continue
		}
		a.transfer(ctx, run, "investment", alloc.PotID, amount)
	}
}

// redistribute grows planned allocations by the unused budget:
// proportionally across goal-bounded pots first, then the remainder into
// the highest-priority goal-less pot.
func (a *Autosorter) redistribute(run *autosorterRun, allocations []domain.PotAllocation, planned []int64, unused int64) {
	type slot struct {
		idx   int
		space int64
	}
	var bounded []slot
	var boundedSpace int64
	freeIdx := -1

	for i, alloc := range allocations {
		space := run.goalSpace(alloc)
		if space >= 0 {
			space -= planned[i]
		}
		if alloc.MaxAllocation > 0 {
			maxSpace := alloc.MaxAllocation - planned[i]
			if space < 0 || maxSpace < space {
				space = maxSpace
			}
		}
		switch {
		case space < 0:
			// No goal and no cap. Lowest priority value wins the dump.
			if freeIdx == -1 || alloc.Priority < allocations[freeIdx].Priority {
				freeIdx = i
			}
		case space > 0:
			bounded = append(bounded, slot{idx: i, space: space})
			boundedSpace += space
		}
	}

	if boundedSpace > 0 {
		var placed int64
		for _, s := range bounded {
			extra := unused * s.space / boundedSpace
			if extra > s.space {
				extra = s.space
			}
			planned[s.idx] += extra
			placed += extra
		}
		unused -= placed
	}

	if unused > 0 && freeIdx >= 0 {
		planned[freeIdx] += unused
	}
}

// goalSpace returns remaining room under the pot's goal, or -1 when
// neither the live pot nor the allocation declares one.
func (run *autosorterRun) goalSpace(alloc domain.PotAllocation) int64 {
	goal := alloc.GoalAmount
	var balance int64
	if pot, ok := run.livePots[alloc.PotID]; ok {
		balance = pot.Balance
		if pot.Goal > 0 {
			goal = pot.Goal
		}
	}
	if goal <= 0 {
		return -1
	}
	space := goal - balance
	if space < 0 {
		return 0
	}
	return space
}

func (a *Autosorter) requestedAmount(alloc domain.PotAllocation, available int64) int64 {
	switch {
	case alloc.UseAllRemain:
		return available
	case alloc.Percentage > 0:
		return applyPercentage(available, alloc.Percentage)
	default:
		return alloc.Amount
	}
}

// transfer moves amount from the holding pot to a target and records the
// outcome on the run.
func (a *Autosorter) transfer(ctx context.Context, run *autosorterRun, phase, targetPotID string, amount int64) {
	name := targetPotID
	if pot, ok := run.livePots[targetPotID]; ok {
		name = pot.Name
	}
	// The phase is part of the id: the bills pot may legitimately receive
	// a second same-run transfer as a priority target.
	dedupe := fmt.Sprintf("autosorter_%s_%s_%s_%s", run.ts, phase, shortID(run.cfg.HoldingPotID), shortID(targetPotID))

	err := a.transfers.PotToPot(ctx, run.client, run.rule.RuleID, run.rule.MonzoUserID,
		run.accountID, run.cfg.HoldingPotID, targetPotID, amount, dedupe)

	alloc := AutosorterAllocation{Phase: phase, PotID: targetPotID, PotName: name, Requested: amount}
	if err != nil {
		alloc.Error = err.Error()
		run.result.Errors = append(run.result.Errors, fmt.Sprintf("%s %s: %v", phase, name, err))
	} else {
		alloc.Moved = amount
		run.available -= amount
		run.result.TotalMoved += amount
	}
	run.result.Allocations = append(run.result.Allocations, alloc)
}

func (run *autosorterRun) fail(phase, potID, potName string, requested int64, err error) {
	run.result.Allocations = append(run.result.Allocations, AutosorterAllocation{
		Phase: phase, PotID: potID, PotName: potName, Requested: requested, Error: err.Error(),
	})
	run.result.Errors = append(run.result.Errors, fmt.Sprintf("%s: %v", phase, err))
}

// minPositive returns the smallest of the values, treating negatives as
// unbounded only for goal space (-1).
func minPositive(values ...int64) int64 {
	min := int64(-1)
	for _, v := range values {
		if v < 0 {
			continue
		}
		if min < 0 || v < min {
			min = v
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "pot_")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
