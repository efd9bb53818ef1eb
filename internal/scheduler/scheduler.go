// Package scheduler runs the three ticker families: global sync, global
// automation, and per-rule cadence tickers.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/potmatic/potmatic/internal/automation"
	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/syncer"
	"github.com/potmatic/potmatic/internal/utils"
)

const (
	defaultSyncInterval       = 10 * time.Minute
	defaultAutomationInterval = 5 * time.Minute

	// cadenceTickInterval drives calendar-matching per-rule tickers. The
	// evaluator matches wall-clock fields, so the tick just has to land
	// inside every minute.
	cadenceTickInterval = time.Minute
	// thresholdTickInterval drives balance_threshold rules. Each tick
	// costs a live balance read.
	thresholdTickInterval = 5 * time.Minute
)

// Scheduler owns all periodic work. Missed ticks are tolerated;
// executor cooldowns prevent catch-up bursts after a restart.
type Scheduler struct {
	engine     *syncer.Engine
	integrator *automation.Integrator
	rules      repository.RulesRepo

	syncInterval       time.Duration
	automationInterval time.Duration

	mu      sync.Mutex
	tickers map[string]chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Zero intervals select the defaults.
func New(engine *syncer.Engine, integrator *automation.Integrator, rules repository.RulesRepo, syncInterval, automationInterval time.Duration) *Scheduler {
	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}
	if automationInterval <= 0 {
		automationInterval = defaultAutomationInterval
	}
	return &Scheduler{
		engine:             engine,
		integrator:         integrator,
		rules:              rules,
		syncInterval:       syncInterval,
		automationInterval: automationInterval,
		tickers:            make(map[string]chan struct{}),
	}
}

// Start launches the global tickers and registers per-rule tickers for
// every enabled rule.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.syncLoop(ctx)
	go s.automationLoop(ctx)

	rules, err := s.rules.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		s.AddRule(ctx, rule)
	}

	utils.Info("schedulers started",
		slog.Duration("sync_interval", s.syncInterval),
		slog.Duration("automation_interval", s.automationInterval),
		slog.Int("rule_tickers", len(s.tickers)),
	)
	return nil
}

// Stop cancels all tickers and waits for loops to exit, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for id, stop := range s.tickers {
		close(stop)
		delete(s.tickers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		utils.Info("schedulers stopped")
		return nil
	case <-ctx.Done():
		utils.Warn("scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	// An immediate first sync warms the mirror before the first
	// automation tick.
	s.engine.SyncAll(ctx)

	for {
		select {
		case <-ticker.C:
			s.engine.SyncAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) automationLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.automationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.integrator.RunForAllUsers(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// AddRule registers a per-rule ticker when the rule's trigger needs one.
// Calendar-aligned triggers ride the global automation tick instead.
func (s *Scheduler) AddRule(ctx context.Context, rule *domain.Rule) {
	trigger, err := rule.TriggerType()
	if err != nil {
		utils.Warn("cannot schedule rule with invalid config",
			slog.String("rule_id", rule.RuleID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !trigger.NeedsTicker() {
		return
	}

	interval := cadenceTickInterval
	if trigger == domain.TriggerBalanceThreshold {
		interval = thresholdTickInterval
	}

	s.mu.Lock()
	if _, exists := s.tickers[rule.RuleID]; exists {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.tickers[rule.RuleID] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.ruleLoop(ctx, rule.RuleID, interval, stop)

	utils.Debug("rule ticker added",
		slog.String("rule_id", rule.RuleID),
		slog.String("trigger", string(trigger)),
		slog.Duration("interval", interval),
	)
}

// RemoveRule drops the rule's ticker, if any. Called when a rule is
// disabled or deleted.
func (s *Scheduler) RemoveRule(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.tickers[ruleID]; ok {
		close(stop)
		delete(s.tickers, ruleID)
		utils.Debug("rule ticker removed", slog.String("rule_id", ruleID))
	}
}

// ReplaceRule re-registers a rule after an edit: the trigger type or
// interval may have changed.
func (s *Scheduler) ReplaceRule(ctx context.Context, rule *domain.Rule) {
	s.RemoveRule(rule.RuleID)
	if rule.Enabled {
		s.AddRule(ctx, rule)
	}
}

func (s *Scheduler) ruleLoop(ctx context.Context, ruleID string, interval time.Duration, stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.integrator.RunRule(ctx, ruleID)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
