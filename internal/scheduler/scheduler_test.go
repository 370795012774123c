package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDequeOwnerAndThiefDiscipline(t *testing.T) {
	d := &deque{}
	t1 := &Task{Priority: PriorityNormal}
	t2 := &Task{Priority: PriorityNormal}
	t3 := &Task{Priority: PriorityNormal}
	d.pushBottom(t1)
	d.pushBottom(t2)
	d.pushBottom(t3)

	// Thief takes the oldest from the top.
	assert.Same(t, t1, d.steal())
	// Owner takes the newest from the bottom.
	assert.Same(t, t3, d.popBottom())
	// One task left: stealing is refused, the owner keeps it.
	assert.Nil(t, d.steal())
	assert.Same(t, t2, d.popBottom())
	assert.Nil(t, d.popBottom())
}

func TestGlobalQueuePriorityOrder(t *testing.T) {
	q := newGlobalQueue(time.Hour, 2)
	now := time.Now()
	low := &Task{Priority: PriorityLow, SubmittedAt: now}
	high := &Task{Priority: PriorityHigh, SubmittedAt: now.Add(time.Millisecond)}
	crit := &Task{Priority: PriorityCritical, SubmittedAt: now.Add(2 * time.Millisecond)}
	q.push(low)
	q.push(high)
	q.push(crit)

	assert.Same(t, crit, q.popMax())
	assert.Same(t, high, q.popMax())
	assert.Same(t, low, q.popMax())
	assert.Nil(t, q.popMax())
}

func TestGlobalQueueTieBreaksByAge(t *testing.T) {
	q := newGlobalQueue(time.Hour, 2)
	now := time.Now()
	older := &Task{Priority: PriorityNormal, SubmittedAt: now.Add(-time.Second)}
	newer := &Task{Priority: PriorityNormal, SubmittedAt: now}
	q.push(newer)
	q.push(older)
	assert.Same(t, older, q.popMax())
}

func TestAgingBoostsStarvedTasks(t *testing.T) {
	// A starved low-priority task with a full boost outranks a fresh high
	// one: low(0) + maxBoost(3) > high(2).
	agingInterval := 10 * time.Millisecond
	q := newGlobalQueue(agingInterval, 3)
	starved := &Task{Priority: PriorityLow, SubmittedAt: time.Now().Add(-5 * agingInterval)}
	fresh := &Task{Priority: PriorityHigh, SubmittedAt: time.Now()}
	q.push(fresh)
	q.push(starved)
	assert.Same(t, starved, q.popMax())
}

func TestEffectivePriorityCapsBoost(t *testing.T) {
	tk := &Task{Priority: PriorityLow, SubmittedAt: time.Now().Add(-time.Hour)}
	got := effectivePriority(tk, time.Now(), time.Millisecond, 2)
	assert.InDelta(t, float64(PriorityLow)+2, got, 0.001)
}

func TestSubmitCompletesAllTasks(t *testing.T) {
	s := New(Config{Workers: 4})
	s.Start()
	defer s.Stop()

	const n = 200
	var mu sync.Mutex
	done := map[int]bool{}

	type handle struct {
		id ulid.ULID
		ch <-chan Result
	}
	handles := make([]handle, 0, n)
	for i := 0; i < n; i++ {
		i := i
		id, ch := s.Submit(PriorityNormal, func() (any, error) {
			mu.Lock()
			done[i] = true
			mu.Unlock()
			return i, nil
		})
		handles = append(handles, handle{id, ch})
	}

	for _, h := range handles {
		res, err := s.Await(h.id, h.ch, 10*time.Second)
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, done, n, "the set of completed tasks equals the set submitted")
}

func TestWorkStealingFromLoadedWorker(t *testing.T) {
	s := New(Config{Workers: 4})

	const n = 100
	var mu sync.Mutex
	completed := map[int]bool{}

	type handle struct {
		id ulid.ULID
		ch <-chan Result
	}
	handles := make([]handle, 0, n)
	for i := 0; i < n; i++ {
		i := i
		id, ch := s.SubmitLocal(0, PriorityNormal, func() (any, error) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			completed[i] = true
			mu.Unlock()
			return nil, nil
		})
		handles = append(handles, handle{id, ch})
	}

	// Start only after worker 0's deque is loaded, so the other three have
	// nothing to do but steal.
	s.Start()
	defer s.Stop()

	for _, h := range handles {
		_, err := s.Await(h.id, h.ch, 30*time.Second)
		require.NoError(t, err)
	}

	mu.Lock()
	assert.Len(t, completed, n)
	mu.Unlock()

	var stolen int64
	for i := 0; i < 4; i++ {
		stolen += s.StolenCount(i)
	}
	assert.Positive(t, stolen, "idle workers must have stolen from the loaded deque")
}

func TestSubmitLocalOutOfRangeFallsBackToGlobal(t *testing.T) {
	s := New(Config{Workers: 2})
	s.Start()
	defer s.Stop()

	id, ch := s.SubmitLocal(99, PriorityNormal, func() (any, error) { return "ok", nil })
	res, err := s.Await(id, ch, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
}

func TestAwaitTimeout(t *testing.T) {
	s := New(Config{Workers: 1})
	// Never started: the task can't run, Await must give up on its own.
	id, ch := s.Submit(PriorityNormal, func() (any, error) { return nil, nil })
	_, err := s.Await(id, ch, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Config{Workers: 2})
	s.Start()
	s.Stop()
	s.Stop()
}

func TestResultValuePropagates(t *testing.T) {
	s := New(Config{Workers: 2})
	s.Start()
	defer s.Stop()

	id, ch := s.Submit(PriorityHigh, func() (any, error) { return 42, nil })
	res, err := s.Await(id, ch, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
}
