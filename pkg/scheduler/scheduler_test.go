package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newMockScheduler() (*Scheduler, *clock.Mock) {
	mock := clock.NewMock()
	return New(Config{Clock: mock}), mock
}

func TestScheduleRunsInDeadlineOrder(t *testing.T) {
	s, mock := newMockScheduler()
	defer s.Stop()

	var mu sync.Mutex
	var order []int
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	s.Schedule(3*time.Second, record(3))
	s.Schedule(1*time.Second, record(1))
	s.Schedule(2*time.Second, record(2))
	s.Schedule(1*time.Second, record(11))

	mock.Add(1500 * time.Millisecond)
	s.RunDue()

	mu.Lock()
	if len(order) != 2 || order[0] != 1 || order[1] != 11 {
		t.Errorf("order after 1.5s = %v, want [1 11]", order)
	}
	mu.Unlock()

	mock.Add(2 * time.Second)
	s.RunDue()

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 11, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestCancelBeforeFire(t *testing.T) {
	s, mock := newMockScheduler()
	defer s.Stop()

	var ran atomic.Bool
	task := s.Schedule(time.Second, func() { ran.Store(true) })

	if !task.Pending() {
		t.Error("Pending() = false for new task")
	}
	if !task.Cancel() {
		t.Fatal("Cancel() = false, want true")
	}
	if task.Cancel() {
		t.Error("second Cancel() = true, want false")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after cancel, want 0", s.Len())
	}

	mock.Add(2 * time.Second)
	s.RunDue()

	if ran.Load() {
		t.Error("cancelled task ran")
	}
}

func TestCancelAfterFire(t *testing.T) {
	s, mock := newMockScheduler()
	defer s.Stop()

	var ran atomic.Int32
	task := s.Schedule(time.Second, func() { ran.Add(1) })

	mock.Add(time.Second)
	s.RunDue()

	if ran.Load() != 1 {
		t.Fatalf("ran = %d, want 1", ran.Load())
	}
	if task.Cancel() {
		t.Error("Cancel() after fire = true, want false")
	}
	if task.Pending() {
		t.Error("Pending() = true after fire")
	}
}

// A task cancelling itself from inside its own function loses the race.
func TestCancelFromOwnTask(t *testing.T) {
	s, mock := newMockScheduler()
	defer s.Stop()

	var task *Task
	var cancelled atomic.Bool
	done := make(chan struct{})
	task = s.Schedule(time.Second, func() {
		cancelled.Store(task.Cancel())
		close(done)
	})

	mock.Add(time.Second)
	s.RunDue()
	<-done

	if cancelled.Load() {
		t.Error("Cancel() inside task = true, want false")
	}
}

func TestScheduleFromTask(t *testing.T) {
	s, mock := newMockScheduler()
	defer s.Stop()

	var second atomic.Bool
	s.Schedule(time.Second, func() {
		s.Schedule(time.Second, func() { second.Store(true) })
	})

	mock.Add(time.Second)
	s.RunDue()
	if second.Load() {
		t.Fatal("chained task ran early")
	}

	mock.Add(time.Second)
	s.RunDue()
	if !second.Load() {
		t.Error("chained task did not run")
	}
}

func TestStopCancelsPending(t *testing.T) {
	s, mock := newMockScheduler()

	var ran atomic.Bool
	task := s.Schedule(time.Second, func() { ran.Store(true) })
	s.Stop()

	if task.Pending() {
		t.Error("Pending() = true after Stop")
	}
	late := s.Schedule(0, func() { ran.Store(true) })
	if late.Pending() {
		t.Error("task scheduled after Stop is pending")
	}

	mock.Add(2 * time.Second)
	s.RunDue()
	if ran.Load() {
		t.Error("task ran after Stop")
	}
}

func TestWallClockFires(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire on wall clock")
	}
}
