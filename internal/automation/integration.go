package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/potmatic/potmatic/internal/alert"
	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/executor"
	"github.com/potmatic/potmatic/internal/queue"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/utils"
)

// Integrator connects the sync engine, trigger evaluator and execution
// queue: after each sync (and on the automation tick) it decides which
// rules to enqueue. It implements syncer.PostSyncHook.
type Integrator struct {
	repos     *repository.Repositories
	queue     *queue.Manager
	evaluator *Evaluator
	clientFor executor.ClientFunc

	sweep      *executor.Sweep
	autosorter *executor.Autosorter
	topup      *executor.Topup
	alerts     *alert.Service
	metrics    *utils.MetricsCollector
}

// NewIntegrator wires the automation pipeline.
func NewIntegrator(
	repos *repository.Repositories,
	q *queue.Manager,
	evaluator *Evaluator,
	clientFor executor.ClientFunc,
	sweep *executor.Sweep,
	autosorter *executor.Autosorter,
	topup *executor.Topup,
	alerts *alert.Service,
	metrics *utils.MetricsCollector,
) *Integrator {
	return &Integrator{
		repos:      repos,
		queue:      q,
		evaluator:  evaluator,
		clientFor:  clientFor,
		sweep:      sweep,
		autosorter: autosorter,
		topup:      topup,
		alerts:     alerts,
		metrics:    metrics,
	}
}

// AfterAccountSync enqueues due rules for the user whose account just
// synced.
func (i *Integrator) AfterAccountSync(ctx context.Context, userID, accountID string) {
	i.EnqueueDueRules(ctx, userID, accountID)
}

// RunForAllUsers is the automation-tick entry point: evaluate every
// user's rules without a preceding full sync.
func (i *Integrator) RunForAllUsers(ctx context.Context) {
	users, err := i.repos.Users.List(ctx)
	if err != nil {
		utils.Error("failed to list users for automation tick", slog.String("error", err.Error()))
		return
	}
	for _, user := range users {
		if user.NeedsReauth {
			continue
		}
		i.EnqueueDueRules(ctx, user.MonzoUserID, "")
	}
}

// EnqueueDueRules evaluates the user's enabled rules and enqueues those
// whose triggers fire, then enqueues automation-trigger autosorters as
// dependents of the primary batch.
func (i *Integrator) EnqueueDueRules(ctx context.Context, userID, accountID string) {
	rules, err := i.repos.Rules.ListEnabledForUser(ctx, userID)
	if err != nil {
		utils.Error("failed to list enabled rules",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(rules) == 0 {
		return
	}

	client, err := i.clientFor(ctx, userID)
	if err != nil {
		utils.Error("no bank client for user, skipping automation",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	var primaryIDs []string
	var deferred []*domain.Rule

	for _, rule := range rules {
		trigger, err := rule.TriggerType()
		if err != nil {
			utils.Warn("rule has invalid config, skipping",
				slog.String("rule_id", rule.RuleID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if trigger == domain.TriggerAutomation {
			deferred = append(deferred, rule)
			continue
		}

		fire, reason, err := i.evaluator.Evaluate(ctx, client, rule)
		if err != nil {
			utils.Warn("trigger evaluation failed",
				slog.String("rule_id", rule.RuleID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !fire {
			utils.Debug("rule not triggered",
				slog.String("rule_id", rule.RuleID),
				slog.String("reason", reason),
			)
			continue
		}

		if i.enqueueRule(ctx, rule, trigger, accountID, reason, false, nil) {
			primaryIDs = append(primaryIDs, rule.RuleID)
		}
	}

	// Automation-trigger autosorters run strictly after the batch that
	// triggered this pass. With no primary batch there is nothing to
	// follow, so they stay idle.
	if len(primaryIDs) == 0 {
		return
	}
	for _, rule := range deferred {
		i.enqueueRule(ctx, rule, domain.TriggerAutomation, accountID,
			"downstream of primary automation batch", false, primaryIDs)
	}
}

// RunRule evaluates a single rule and enqueues it if due. Per-rule
// tickers land here.
func (i *Integrator) RunRule(ctx context.Context, ruleID string) {
	rule, err := i.repos.Rules.GetByID(ctx, ruleID)
	if err != nil {
		utils.Warn("scheduled rule not found", slog.String("rule_id", ruleID))
		return
	}
	if !rule.Enabled {
		return
	}
	trigger, err := rule.TriggerType()
	if err != nil || trigger == domain.TriggerAutomation {
		return
	}

	client, err := i.clientFor(ctx, rule.MonzoUserID)
	if err != nil {
		utils.Error("no bank client for scheduled rule",
			slog.String("rule_id", ruleID),
			slog.String("error", err.Error()),
		)
		return
	}

	fire, reason, err := i.evaluator.Evaluate(ctx, client, rule)
	if err != nil {
		utils.Warn("trigger evaluation failed",
			slog.String("rule_id", ruleID),
			slog.String("error", err.Error()),
		)
		return
	}
	if fire {
		i.enqueueRule(ctx, rule, trigger, "", reason, false, nil)
	}
}

// ExecuteManual bypasses the evaluator and enqueues the rule at NORMAL
// or its mapped priority, whichever is higher.
func (i *Integrator) ExecuteManual(ctx context.Context, ruleID string) error {
	rule, err := i.repos.Rules.GetByID(ctx, ruleID)
	if err != nil {
		return err
	}
	trigger, err := rule.TriggerType()
	if err != nil {
		return err
	}
	if !i.enqueueRule(ctx, rule, trigger, "", "manual execution", true, nil) {
		return errors.New("execution queue is full")
	}
	return nil
}

func (i *Integrator) enqueueRule(ctx context.Context, rule *domain.Rule, trigger domain.TriggerType, accountID, reason string, manual bool, dependsOn []string) bool {
	resolved := i.resolveAccount(ctx, rule, accountID)
	if resolved == "" {
		utils.Warn("cannot resolve account for rule, skipping",
			slog.String("rule_id", rule.RuleID),
		)
		return false
	}

	return i.queue.Enqueue(&queue.Item{
		RuleID:    rule.RuleID,
		UserID:    rule.MonzoUserID,
		AccountID: resolved,
		Family:    rule.Family,
		RuleName:  rule.Name,
		Priority:  mapPriority(rule.Family, trigger, manual),
		Reason:    reason,
		Manual:    manual,
		DependsOn: dependsOn,
		Execute:   i.makeExecute(rule, resolved),
	})
}

// resolveAccount finds the account a rule operates on by following its
// referenced pots to their owner. The sync-provided account id is only a
// fallback.
func (i *Integrator) resolveAccount(ctx context.Context, rule *domain.Rule, fallback string) string {
	cfg, _, err := rule.DecodeConfig()
	if err != nil {
		return fallback
	}

	switch c := cfg.(type) {
	case *domain.SweepConfig:
		if pot, err := i.repos.Pots.GetByName(ctx, rule.MonzoUserID, c.TargetPotName); err == nil {
			return pot.AccountID
		}
	case *domain.AutosorterConfig:
		if pot, err := i.repos.Pots.GetByID(ctx, c.HoldingPotID); err == nil {
			return pot.AccountID
		}
	case *domain.TopupConfig:
		if c.TargetPotID != "" {
			if pot, err := i.repos.Pots.GetByID(ctx, c.TargetPotID); err == nil {
				return pot.AccountID
			}
		}
		if c.SourceAccountID != "" {
			return c.SourceAccountID
		}
		if c.TargetAccountID != "" {
			return c.TargetAccountID
		}
	}
	return fallback
}

// mapPriority applies the default priority mapping, with manual runs
// floored at NORMAL.
func mapPriority(family domain.RuleFamily, trigger domain.TriggerType, manual bool) queue.Priority {
	var p queue.Priority
	switch trigger {
	case domain.TriggerBalanceThreshold:
		p = queue.PriorityCritical
	case domain.TriggerPaydayDetection:
		p = queue.PriorityHigh
	case domain.TriggerManualOnly:
		p = queue.PriorityBackground
	default:
		if family == domain.FamilyAutoTopup {
			p = queue.PriorityLow
		} else {
			p = queue.PriorityNormal
		}
	}
	if manual && p < queue.PriorityNormal {
		p = queue.PriorityNormal
	}
	return p
}

// makeExecute builds the executor closure for one rule. The closure
// records the outcome on the rule row and notifies the alert service of
// repeated failures.
func (i *Integrator) makeExecute(rule *domain.Rule, accountID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		client, err := i.clientFor(ctx, rule.MonzoUserID)
		if err != nil {
			return err
		}

		var moved int64
		var reason string

		switch rule.Family {
		case domain.FamilySweep:
			res, execErr := i.sweep.Execute(ctx, client, rule, accountID)
			if res != nil {
				moved = res.TotalMoved
			}
			err = execErr
		case domain.FamilyAutosorter:
			res, execErr := i.autosorter.Execute(ctx, client, rule, accountID)
			if res != nil {
				moved = res.TotalMoved
				reason = res.Reason
			}
			err = execErr
		case domain.FamilyAutoTopup:
			res, execErr := i.topup.Execute(ctx, client, rule, accountID)
			if res != nil {
				moved = res.Transferred
				reason = res.Reason
			}
			err = execErr
		default:
			return domain.ErrConfigInvalid
		}

		if errors.Is(err, domain.ErrDuplicateSuppressed) {
			utils.Debug("execution suppressed by cooldown",
				slog.String("rule_id", rule.RuleID),
			)
			return nil
		}

		i.record(ctx, rule, moved, reason, err)

		// An underfunded source is a rule-level outcome: the history entry
		// above carries success=false and feeds the alert counter, but the
		// queue does not treat it as a system fault.
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return nil
		}
		return err
	}
}

func (i *Integrator) record(ctx context.Context, rule *domain.Rule, moved int64, reason string, execErr error) {
	now := time.Now().UTC()

	if execErr == nil && i.metrics != nil {
		i.metrics.RecordMoneyMoved(moved)
	}

	// Reload so concurrent executions stack history instead of clobbering
	// each other's entries. Last writer still wins on the row.
	fresh, err := i.repos.Rules.GetByID(ctx, rule.RuleID)
	if err != nil {
		fresh = rule
	}

	rec := domain.ExecutionRecord{
		Timestamp:   now,
		Success:     execErr == nil,
		AmountMoved: moved,
		Reason:      reason,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}

	meta := fresh.ExecutionMetadata
	meta.Record(rec)

	if err := i.repos.Rules.RecordExecution(ctx, rule.RuleID, now, &meta); err != nil {
		utils.Error("failed to record rule execution",
			slog.String("rule_id", rule.RuleID),
			slog.String("error", err.Error()),
		)
	}

	if execErr != nil && i.alerts != nil {
		i.alerts.RuleFailed(ctx, rule, execErr, meta.ConsecutiveFailures)
	}
}
