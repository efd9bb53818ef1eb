package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/potmatic/potmatic/internal/domain"
	"github.com/potmatic/potmatic/internal/utils"
)

var testMetrics = utils.NewMetricsCollector()

func noop(ctx context.Context) error { return nil }

func TestPriorityOrdering(t *testing.T) {
	m := NewManager(10, 0, testMetrics)

	m.Enqueue(&Item{RuleID: "background", Priority: PriorityBackground, Execute: noop})
	m.Enqueue(&Item{RuleID: "critical", Priority: PriorityCritical, Execute: noop})
	m.Enqueue(&Item{RuleID: "normal_first", Priority: PriorityNormal, Execute: noop})
	m.Enqueue(&Item{RuleID: "high", Priority: PriorityHigh, Execute: noop})
	m.Enqueue(&Item{RuleID: "normal_second", Priority: PriorityNormal, Execute: noop})

	want := []string{"critical", "high", "normal_first", "normal_second", "background"}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, expected := range want {
		item := heap.Pop(&m.items).(*Item)
		if item.RuleID != expected {
			t.Fatalf("pop order: got %s, want %s", item.RuleID, expected)
		}
	}
}

func TestEnqueueTimeBreaksPriorityTies(t *testing.T) {
	m := NewManager(10, 0, testMetrics)

	for _, id := range []string{"first", "second", "third"} {
		m.Enqueue(&Item{RuleID: id, Priority: PriorityNormal, Execute: noop})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, expected := range []string{"first", "second", "third"} {
		item := heap.Pop(&m.items).(*Item)
		if item.RuleID != expected {
			t.Fatalf("pop order: got %s, want %s", item.RuleID, expected)
		}
	}
}

func TestCapacityDrop(t *testing.T) {
	m := NewManager(2, 0, testMetrics)

	if !m.Enqueue(&Item{RuleID: "a", Execute: noop}) {
		t.Fatal("first enqueue dropped")
	}
	if !m.Enqueue(&Item{RuleID: "b", Execute: noop}) {
		t.Fatal("second enqueue dropped")
	}
	if m.Enqueue(&Item{RuleID: "c", Execute: noop}) {
		t.Fatal("over-capacity enqueue accepted")
	}

	stats := m.GetStats()
	if stats.TotalDropped != 1 {
		t.Errorf("TotalDropped = %d, want 1", stats.TotalDropped)
	}
	if stats.Depth != 2 {
		t.Errorf("Depth = %d, want 2", stats.Depth)
	}
}

func TestRemoveRule(t *testing.T) {
	m := NewManager(10, 0, testMetrics)

	m.Enqueue(&Item{RuleID: "keep", Priority: PriorityNormal, Execute: noop})
	m.Enqueue(&Item{RuleID: "drop", Priority: PriorityHigh, Execute: noop})
	m.Enqueue(&Item{RuleID: "drop", Priority: PriorityLow, Execute: noop})

	if removed := m.RemoveRule("drop"); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	ids := m.EnqueuedRuleIDs()
	if len(ids) != 1 || ids[0] != "keep" {
		t.Errorf("remaining = %v, want [keep]", ids)
	}
}

// runAndCollect starts a single worker and waits until n executions have
// finished or the timeout elapses.
func runAndCollect(t *testing.T, m *Manager, n int, timeout time.Duration) []string {
	t.Helper()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	// Wrap each queued item's Execute so completion order is observable.
	m.mu.Lock()
	for _, item := range m.items {
		item := item
		inner := item.Execute
		item.Execute = func(ctx context.Context) error {
			err := inner(ctx)
			mu.Lock()
			order = append(order, item.RuleID)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		m.Stop(stopCtx)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %d executions, got %v", n, order)
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), order...)
}

func TestDependencyGating(t *testing.T) {
	m := NewManager(10, 0, testMetrics)

	// The dependent is enqueued at NORMAL, above the LOW item it waits
	// on. It must still run last.
	m.Enqueue(&Item{RuleID: "sweep", Priority: PriorityHigh, Execute: noop})
	m.Enqueue(&Item{RuleID: "topup", Priority: PriorityLow, Execute: noop})
	m.Enqueue(&Item{RuleID: "autosorter", Priority: PriorityNormal, DependsOn: []string{"sweep", "topup"}, Execute: noop})

	order := runAndCollect(t, m, 3, 10*time.Second)

	if order[len(order)-1] != "autosorter" {
		t.Errorf("execution order = %v, want autosorter last", order)
	}
	if order[0] != "sweep" {
		t.Errorf("execution order = %v, want sweep first", order)
	}
}

func TestDependencyOnCompletionNotSuccess(t *testing.T) {
	m := NewManager(10, 0, testMetrics)

	failing := func(ctx context.Context) error { return errors.New("transfer failed") }

	m.Enqueue(&Item{RuleID: "upstream", Priority: PriorityHigh, Execute: failing})
	m.Enqueue(&Item{RuleID: "dependent", Priority: PriorityNormal, DependsOn: []string{"upstream"}, Execute: noop})

	order := runAndCollect(t, m, 2, 10*time.Second)

	if len(order) != 2 || order[1] != "dependent" {
		t.Errorf("execution order = %v, want dependent to run after failed upstream", order)
	}
}

func TestRequeueCapFailsWithDependencyUnmet(t *testing.T) {
	m := NewManager(10, 2, testMetrics)

	var mu sync.Mutex
	var failedWith error
	done := make(chan struct{})
	m.SetFailureFunc(func(item *Item, err error) {
		mu.Lock()
		defer mu.Unlock()
		if item.RuleID == "orphan" && failedWith == nil {
			failedWith = err
			close(done)
		}
	})

	executed := false
	m.Enqueue(&Item{RuleID: "orphan", Priority: PriorityHigh, DependsOn: []string{"never_enqueued"}, Execute: func(ctx context.Context) error {
		executed = true
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 1)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		m.Stop(stopCtx)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for dependency-unmet failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(failedWith, domain.ErrDependencyUnmet) {
		t.Errorf("failure = %v, want ErrDependencyUnmet", failedWith)
	}
	if executed {
		t.Error("gated item executed despite unmet dependency")
	}
}

func TestPriorityString(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{PriorityBackground, "BACKGROUND"},
		{PriorityLow, "LOW"},
		{PriorityNormal, "NORMAL"},
		{PriorityHigh, "HIGH"},
		{PriorityCritical, "CRITICAL"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}
