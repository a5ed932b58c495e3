// Package scheduler runs delayed tasks on a single timer.
//
// All reliability timers (empty-ACK delays, retransmissions, message ID and
// exchange lifetimes) go through one Scheduler. Tasks are kept in a min-heap
// by deadline and a single clock timer is armed for the earliest one.
//
// A Task is either fired or cancelled, never both. Cancel reports whether the
// caller won that race, which is how the piggy-back decision is made.
//
// The clock is injectable; tests use clock.NewMock() and call RunDue after
// advancing it, which runs due tasks synchronously.
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

// Task is a scheduled function.
type Task struct {
	deadline time.Time
	seq      uint64
	fn       func()
	state    atomic.Int32
	index    int // heap index, -1 when not queued
	s        *Scheduler
}

// Cancel prevents the task from running.
// It returns true if the task was still pending, false if it already
// fired (or is firing) or was cancelled before.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	t.s.remove(t)
	return true
}

// Deadline returns the time the task is due.
func (t *Task) Deadline() time.Time {
	return t.deadline
}

// Pending returns true if the task has neither fired nor been cancelled.
func (t *Task) Pending() bool {
	return t.state.Load() == statePending
}

// Config configures a Scheduler.
type Config struct {
	// Clock is the time source. Default: the wall clock.
	Clock clock.Clock

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Scheduler runs tasks at their deadlines.
type Scheduler struct {
	clock clock.Clock
	log   logging.LeveledLogger

	mu     sync.Mutex
	tasks  taskHeap
	timer  *clock.Timer
	seq    uint64
	closed bool

	// runMu serializes RunDue so that tasks never run concurrently.
	runMu sync.Mutex
}

// New creates a Scheduler.
func New(config Config) *Scheduler {
	s := &Scheduler{
		clock: config.Clock,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("scheduler")
	}
	return s
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Now returns the current time of the scheduler's clock.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule runs fn after d. Tasks with equal deadlines run in schedule order.
// After Stop, the returned task is already cancelled.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Task {
	t := &Task{
		deadline: s.clock.Now().Add(d),
		fn:       fn,
		index:    -1,
		s:        s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		t.state.Store(stateCancelled)
		return t
	}

	s.seq++
	t.seq = s.seq
	heap.Push(&s.tasks, t)
	if t.index == 0 {
		s.rearmLocked()
	}
	return t
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// RunDue runs every task whose deadline has passed and returns how many ran.
// When it returns, all tasks due at the time of the call have completed,
// whether this call or the timer ran them.
func (s *Scheduler) RunDue() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ran := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 || s.tasks[0].deadline.After(s.clock.Now()) {
			s.rearmLocked()
			s.mu.Unlock()
			return ran
		}
		t := heap.Pop(&s.tasks).(*Task)
		s.mu.Unlock()

		if t.state.CompareAndSwap(statePending, stateFired) {
			t.fn()
			ran++
		}
	}
}

// Stop cancels all pending tasks and the timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for _, t := range s.tasks {
		t.state.CompareAndSwap(statePending, stateCancelled)
		t.index = -1
	}
	if s.log != nil && len(s.tasks) > 0 {
		s.log.Debugf("stopped with %d pending tasks", len(s.tasks))
	}
	s.tasks = nil
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.index < 0 || t.index >= len(s.tasks) || s.tasks[t.index] != t {
		return
	}
	wasFirst := t.index == 0
	heap.Remove(&s.tasks, t.index)
	if wasFirst {
		s.rearmLocked()
	}
}

// rearmLocked arms the timer for the earliest deadline. s.mu must be held.
func (s *Scheduler) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.closed || len(s.tasks) == 0 {
		return
	}

	d := s.tasks[0].deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	s.timer = s.clock.AfterFunc(d, s.fire)
}

func (s *Scheduler) fire() {
	s.RunDue()
}

// taskHeap orders tasks by deadline, then by schedule order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
