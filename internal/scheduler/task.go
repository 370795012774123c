// Package scheduler implements the in-process work-stealing scheduler:
// per-worker deques with owner
// LIFO/thief FIFO discipline, a global priority queue, and an aging-based
// fairness boost.
package scheduler

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority is a task's submitted priority class.
type Priority int

// Recognised priorities, ordered low to high so int comparison works.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Fn is the unit of work a task runs. It takes no arguments and receives no
// shutdown signal; workers check for shutdown only between tasks.
type Fn func() (any, error)

// Task is one scheduled unit of work.
type Task struct {
	ID          ulid.ULID
	Priority    Priority
	SubmittedAt time.Time
	Run         Fn
}

// Result is what a completed task produces, retrievable once via Await.
type Result struct {
	Value any
	Err   error
}

// effectivePriority applies the aging boost: a task's priority is
// raised by min(age/agingInterval, maxBoost) when the scheduler is choosing
// what to run next, so low-priority tasks cannot starve indefinitely.
func effectivePriority(t *Task, now time.Time, agingInterval time.Duration, maxBoost int) float64 {
	if agingInterval <= 0 {
		return float64(t.Priority)
	}
	age := now.Sub(t.SubmittedAt)
	boost := float64(age) / float64(agingInterval)
	if boost > float64(maxBoost) {
		boost = float64(maxBoost)
	}
	if boost < 0 {
		boost = 0
	}
	return float64(t.Priority) + boost
}
