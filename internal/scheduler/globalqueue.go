package scheduler

import (
	"sync"
	"time"
)

// globalQueue is the scheduler-wide landing spot every Submit call uses
// first, ordered by
// (priority desc, submit-time asc) once aging is applied at selection time.
type globalQueue struct {
	mu            sync.Mutex
	tasks         []*Task
	agingInterval time.Duration
	maxBoost      int
}

func newGlobalQueue(agingInterval time.Duration, maxBoost int) *globalQueue {
	return &globalQueue{agingInterval: agingInterval, maxBoost: maxBoost}
}

func (q *globalQueue) push(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

// popMax removes and returns the task with the highest effective priority,
// breaking ties by earliest submission time.
func (q *globalQueue) popMax() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}

	now := time.Now()
	bestIdx := 0
	bestPriority := effectivePriority(q.tasks[0], now, q.agingInterval, q.maxBoost)
	for i := 1; i < len(q.tasks); i++ {
		p := effectivePriority(q.tasks[i], now, q.agingInterval, q.maxBoost)
		if p > bestPriority || (p == bestPriority && q.tasks[i].SubmittedAt.Before(q.tasks[bestIdx].SubmittedAt)) {
			bestPriority = p
			bestIdx = i
		}
	}

	t := q.tasks[bestIdx]
	q.tasks = append(q.tasks[:bestIdx], q.tasks[bestIdx+1:]...)
	return t
}

func (q *globalQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
