package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/utils"
)

const (
	popTimeout   = 1 * time.Second
	interJobPause = 100 * time.Millisecond

	defaultCapacity   = 100
	defaultRequeueCap = 10
	defaultWorkers    = 3

	historyLimit = 50
)

// HistoryEntry is one finished execution in the bounded history.
type HistoryEntry struct {
	RuleID     string    `json:"rule_id"`
	RuleName   string    `json:"rule_name"`
	Priority   string    `json:"priority"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats is a snapshot of queue activity.
type Stats struct {
	Depth         int              `json:"depth"`
	ActiveWorkers int              `json:"active_workers"`
	TotalEnqueued int64            `json:"total_enqueued"`
	TotalExecuted int64            `json:"total_executed"`
	TotalFailed   int64            `json:"total_failed"`
	TotalDropped  int64            `json:"total_dropped"`
	PerRule       map[string]int64 `json:"per_rule"`
	History       []HistoryEntry   `json:"history"`
}

// FailureFunc is notified of every failed execution.
type FailureFunc func(item *Item, err error)

// Manager owns the priority queue and its worker pool. One Manager per
// process; all money movement funnels through it.
type Manager struct {
	mu        sync.Mutex
	items     itemHeap
	completed map[string]bool
	seq       uint64
	busy      int

	capacity   int
	requeueCap int

	signal  chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup

	metrics   *utils.MetricsCollector
	onFailure FailureFunc

	totalEnqueued int64
	totalExecuted int64
	totalFailed   int64
	totalDropped  int64
	perRule       map[string]int64
	history       []HistoryEntry

	workerCount int
}

// NewManager creates a queue manager. Zero capacity or requeue cap
// selects the defaults.
func NewManager(capacity, requeueCap int, metrics *utils.MetricsCollector) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if requeueCap <= 0 {
		requeueCap = defaultRequeueCap
	}
	return &Manager{
		completed:  make(map[string]bool),
		capacity:   capacity,
		requeueCap: requeueCap,
		signal:     make(chan struct{}, capacity*2),
		metrics:    metrics,
		perRule:    make(map[string]int64),
	}
}

// SetFailureFunc installs the failure notification hook.
func (m *Manager) SetFailureFunc(fn FailureFunc) {
	m.onFailure = fn
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = defaultWorkers
	}
	m.running.Store(true)
	m.workerCount = workers

	utils.Info("starting execution queue", slog.Int("workers", workers))

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.work(ctx, i+1)
	}
}

// Stop signals workers to exit after their current item and waits for
// them, bounded by ctx. In-flight bank calls finish under their own
// HTTP deadlines.
func (m *Manager) Stop(ctx context.Context) error {
	m.running.Store(false)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		utils.Info("execution queue stopped")
		return nil
	case <-ctx.Done():
		utils.Warn("execution queue shutdown timed out")
		return ctx.Err()
	}
}

// Enqueue adds an item. Over-capacity enqueues are dropped and logged.
// Returns false when the item was dropped.
func (m *Manager) Enqueue(item *Item) bool {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.EnqueuedAt = time.Now().UTC()

	m.mu.Lock()
	if len(m.items) >= m.capacity {
		m.totalDropped++
		m.mu.Unlock()
		utils.Warn("execution queue full, dropping item",
			slog.String("rule_id", item.RuleID),
			slog.String("rule_name", item.RuleName),
			slog.String("priority", item.Priority.String()),
		)
		return false
	}
	item.seq = m.seq
	m.seq++
	heap.Push(&m.items, item)
	m.totalEnqueued++
	depth := len(m.items)
	m.mu.Unlock()

	m.metrics.SetQueueDepth(depth)
	select {
	case m.signal <- struct{}{}:
	default:
	}

	utils.Debug("execution enqueued",
		slog.String("rule_id", item.RuleID),
		slog.String("priority", item.Priority.String()),
		slog.String("reason", item.Reason),
	)
	return true
}

// EnqueuedRuleIDs snapshots the rule ids currently waiting. Used to wire
// dependencies for automation-trigger rules.
func (m *Manager) EnqueuedRuleIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.items))
	for _, item := range m.items {
		ids = append(ids, item.RuleID)
	}
	return ids
}

// RemoveRule drops every pending item for a rule. A run already on a
// worker is not interrupted. Returns the number of items removed.
func (m *Manager) RemoveRule(ruleID string) int {
	m.mu.Lock()
	kept := m.items[:0]
	removed := 0
	for _, item := range m.items {
		if item.RuleID == ruleID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	m.items = kept
	if removed > 0 {
		heap.Init(&m.items)
	}
	depth := len(m.items)
	m.mu.Unlock()

	if removed > 0 {
		m.metrics.SetQueueDepth(depth)
		utils.Debug("removed pending executions for rule",
			slog.String("rule_id", ruleID),
			slog.Int("removed", removed),
		)
	}
	return removed
}

func (m *Manager) work(ctx context.Context, id int) {
	defer m.wg.Done()

	utils.Debug("queue worker started", slog.Int("worker_id", id))

	for m.running.Load() {
		item := m.pop()
		if item == nil {
			continue
		}

		if missing := m.unmetDeps(item); len(missing) > 0 {
			m.handleUnmet(item, missing)
			continue
		}

		m.execute(ctx, item)

		// Pause between jobs so a drained queue does not burst-call the
		// bank API.
		time.Sleep(interJobPause)
	}

	utils.Debug("queue worker stopped", slog.Int("worker_id", id))
}

// pop waits up to popTimeout for an item so Stop() is observed promptly.
func (m *Manager) pop() *Item {
	select {
	case <-m.signal:
	case <-time.After(popTimeout):
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil
	}
	item := heap.Pop(&m.items).(*Item)
	m.busy++
	return item
}

func (m *Manager) unmetDeps(item *Item) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []string
	for _, dep := range item.DependsOn {
		if !m.completed[dep] {
			missing = append(missing, dep)
		}
	}
	return missing
}

// handleUnmet re-enqueues a dependency-gated item demoted to LOW so it
// cannot block the head of the queue. Past the requeue cap the item
// fails with ErrDependencyUnmet.
func (m *Manager) handleUnmet(item *Item, missing []string) {
	item.requeues++
	if item.requeues > m.requeueCap {
		err := fmt.Errorf("%w: waiting on %v after %d requeues",
			domain.ErrDependencyUnmet, missing, item.requeues-1)
		m.finish(item, err)
		return
	}

	item.Priority = PriorityLow

	m.mu.Lock()
	m.busy--
	item.seq = m.seq
	m.seq++
	heap.Push(&m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}

	utils.Debug("execution deferred on dependencies",
		slog.String("rule_id", item.RuleID),
		slog.Int("requeues", item.requeues),
	)
}

func (m *Manager) execute(ctx context.Context, item *Item) {
	start := time.Now()

	utils.Info("executing rule",
		slog.String("rule_id", item.RuleID),
		slog.String("rule_name", item.RuleName),
		slog.String("family", string(item.Family)),
		slog.String("priority", item.Priority.String()),
		slog.Bool("manual", item.Manual),
	)

	err := item.Execute(ctx)

	if err != nil {
		utils.Error("rule execution failed",
			slog.String("rule_id", item.RuleID),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
	} else {
		utils.Info("rule executed",
			slog.String("rule_id", item.RuleID),
			slog.Duration("duration", time.Since(start)),
		)
	}

	m.finish(item, err)
}

// finish records the outcome and marks the rule completed for dependency
// gating. The completed set resets once the queue fully drains, which
// bounds one "cycle".
func (m *Manager) finish(item *Item, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.metrics.RecordRuleExecution(string(item.Family), outcome)

	m.mu.Lock()
	m.busy--
	if m.busy < 0 {
		m.busy = 0
	}
	m.completed[item.RuleID] = true
	if err == nil {
		m.totalExecuted++
	} else {
		m.totalFailed++
	}
	m.perRule[item.RuleID]++

	entry := HistoryEntry{
		RuleID:     item.RuleID,
		RuleName:   item.RuleName,
		Priority:   item.Priority.String(),
		Success:    err == nil,
		Reason:     item.Reason,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	m.history = append(m.history, entry)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}

	if len(m.items) == 0 && m.busy == 0 {
		m.completed = make(map[string]bool)
	}
	depth := len(m.items)
	m.mu.Unlock()

	m.metrics.SetQueueDepth(depth)

	if err != nil && m.onFailure != nil {
		m.onFailure(item, err)
	}
}

// GetStats snapshots queue statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	perRule := make(map[string]int64, len(m.perRule))
	for k, v := range m.perRule {
		perRule[k] = v
	}
	history := make([]HistoryEntry, len(m.history))
	copy(history, m.history)

	return Stats{
		Depth:         len(m.items),
		ActiveWorkers: m.workerCount,
		TotalEnqueued: m.totalEnqueued,
		TotalExecuted: m.totalExecuted,
		TotalFailed:   m.totalFailed,
		TotalDropped:  m.totalDropped,
		PerRule:       perRule,
		History:       history,
	}
}
