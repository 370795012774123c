package scheduler

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Config configures a Scheduler.
type Config struct {
	Workers       int
	AgingInterval time.Duration
	AgingMaxBoost int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.AgingInterval <= 0 {
		c.AgingInterval = 5 * time.Second
	}
	if c.AgingMaxBoost <= 0 {
		c.AgingMaxBoost = 2
	}
	return c
}

// Scheduler runs K cooperative workers, each with its own deque,
// sharing one global priority queue.
type Scheduler struct {
	cfg     Config
	global  *globalQueue
	deques  []*deque
	entropy *ulid.MonotonicEntropy
	entMu   sync.Mutex

	mu      sync.Mutex
	pending map[ulid.ULID]chan Result

	running  int32
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stolen   []atomic.Int64
}

// New constructs a Scheduler. Call Start to launch the worker goroutines.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		global:  newGlobalQueue(cfg.AgingInterval, cfg.AgingMaxBoost),
		deques:  make([]*deque, cfg.Workers),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		pending: make(map[ulid.ULID]chan Result),
		stopCh:  make(chan struct{}),
		stolen:  make([]atomic.Int64, cfg.Workers),
	}
	for i := range s.deques {
		s.deques[i] = &deque{}
	}
	return s
}

// Start launches the K worker loops.
func (s *Scheduler) Start() {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}
}

// newID generates a monotonically increasing ULID, safe for concurrent
// Submit callers.
func (s *Scheduler) newID() ulid.ULID {
	s.entMu.Lock()
	defer s.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
}

// Submit enqueues fn at the given priority and returns the task id plus a
// channel that receives its single Result.
func (s *Scheduler) Submit(priority Priority, fn Fn) (ulid.ULID, <-chan Result) {
	t := &Task{ID: s.newID(), Priority: priority, SubmittedAt: time.Now(), Run: fn}

	ch := make(chan Result, 1)
	s.mu.Lock()
	s.pending[t.ID] = ch
	s.mu.Unlock()

	s.global.push(t)
	return t.ID, ch
}

// SubmitLocal enqueues fn directly at the bottom of one worker's deque,
// bypassing the global queue. This is the owner-side push: work spawned from
// inside a task lands on its own worker's deque for locality, and idle peers
// take it from the top.
func (s *Scheduler) SubmitLocal(worker int, priority Priority, fn Fn) (ulid.ULID, <-chan Result) {
	if worker < 0 || worker >= len(s.deques) {
		return s.Submit(priority, fn)
	}
	t := &Task{ID: s.newID(), Priority: priority, SubmittedAt: time.Now(), Run: fn}

	ch := make(chan Result, 1)
	s.mu.Lock()
	s.pending[t.ID] = ch
	s.mu.Unlock()

	s.deques[worker].pushBottom(t)
	return t.ID, ch
}

// Workers reports the configured worker count.
func (s *Scheduler) Workers() int { return s.cfg.Workers }

// Await blocks until the task identified by id completes or the timeout
// elapses.
func (s *Scheduler) Await(id ulid.ULID, ch <-chan Result, timeout time.Duration) (Result, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return Result{}, fmt.Errorf("op=scheduler.Await: task %s did not complete within %s", id, timeout)
	}
}

// runWorker is one cooperative worker's loop: own deque -> global queue ->
// steal from a random permutation of peers.
func (s *Scheduler) runWorker(idx int) {
	defer s.wg.Done()
	own := s.deques[idx]

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		t := own.popBottom()
		if t == nil {
			t = s.global.popMax()
		}
		if t == nil {
			t = s.stealFrom(idx)
		}
		if t == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		s.execute(t)
	}
}

// stealFrom tries every other worker's deque in a random order, returning
// the first successfully stolen task.
func (s *Scheduler) stealFrom(idx int) *Task {
	order := rand.Perm(len(s.deques))
	for _, j := range order {
		if j == idx {
			continue
		}
		if t := s.deques[j].steal(); t != nil {
			s.stolen[idx].Add(1)
			return t
		}
	}
	return nil
}

func (s *Scheduler) execute(t *Task) {
	value, err := t.Run()

	s.mu.Lock()
	ch, ok := s.pending[t.ID]
	if ok {
		delete(s.pending, t.ID)
	}
	s.mu.Unlock()

	if ok {
		ch <- Result{Value: value, Err: err}
	}
}

// StolenCount reports how many tasks worker idx has stolen, for metrics.
func (s *Scheduler) StolenCount(idx int) int64 {
	if idx < 0 || idx >= len(s.stolen) {
		return 0
	}
	return s.stolen[idx].Load()
}

// Stop signals every worker's cooperative shutdown flag and waits for the
// current task on each worker to finish.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

// PendingGlobal reports the global queue's depth, for metrics/health.
func (s *Scheduler) PendingGlobal() int {
	return s.global.len()
}
