// Package queue serializes money-moving rule executions through a
// single process-wide priority queue.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/potmatic/potmatic/internal/domain"
)

// Priority orders queued executions. Higher values run first.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	}
	return "UNKNOWN"
}

// Item is one queued rule execution.
type Item struct {
	ID        uuid.UUID
	RuleID    string
	UserID    string
	AccountID string
	Family    domain.RuleFamily
	RuleName  string
	Priority  Priority

	// Reason is the human-readable trigger explanation.
	Reason string
	// Manual marks an operator-initiated run that bypassed the evaluator.
	Manual bool
	// DependsOn lists rule ids that must complete before this item runs.
	DependsOn []string

	// Execute is the executor invocation closure.
	Execute func(ctx context.Context) error

	EnqueuedAt time.Time
	seq        uint64
	requeues   int
}

// itemHeap orders by priority descending, then enqueue sequence
// ascending. Implements container/heap.Interface.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
