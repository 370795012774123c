package scheduler

import "sync"

// deque is one worker's double-ended task queue. The owner pushes and
// pops at the bottom (LIFO, cache-friendly for the owner's own recursive
// work); thieves steal from the top (FIFO, so older work is taken first and
// the owner keeps its freshest task).
type deque struct {
	mu    sync.Mutex
	tasks []*Task
}

// pushBottom is the owner-only push.
func (d *deque) pushBottom(t *Task) {
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
}

// popBottom is the owner-only pop.
func (d *deque) popBottom() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.tasks)
	if n == 0 {
		return nil
	}
	t := d.tasks[n-1]
	d.tasks = d.tasks[:n-1]
	return t
}

// steal takes from the top, but only when at least two tasks remain so the
// owner always has one left to run.
func (d *deque) steal() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) < 2 {
		return nil
	}
	t := d.tasks[0]
	d.tasks = d.tasks[1:]
	return t
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}
