package bridge

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// timerItem is one armed (worker, deadline) pair.
type timerItem struct {
	worker   string
	deadline time.Time
	index    int
}

// timerHeap orders timers by deadline using container/heap.
type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item, ok := x.(*timerItem)
	if !ok {
		panic(fmt.Sprintf("timerHeap.Push: unexpected type %T, want *timerItem", x))
	}
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

// Scheduler tracks one stuck-detection deadline per worker in a single
// min-heap and fires them from one goroutine. Arming a worker that already
// has a deadline replaces it.
type Scheduler struct {
	mu    sync.Mutex
	h     timerHeap
	byKey map[string]*timerItem
	wake  chan struct{}

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		byKey:   make(map[string]*timerItem),
		wake:    make(chan struct{}, 1),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock.
//
//foreman:testonly
func (s *Scheduler) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// Arm sets worker's deadline to now+d.
func (s *Scheduler) Arm(worker string, d time.Duration) {
	s.mu.Lock()
	at := s.nowFunc().Add(d)
	if item, ok := s.byKey[worker]; ok {
		item.deadline = at
		heap.Fix(&s.h, item.index)
	} else {
		item := &timerItem{worker: worker, deadline: at}
		heap.Push(&s.h, item)
		s.byKey[worker] = item
	}
	s.mu.Unlock()
	s.poke()
}

// Cancel removes worker's deadline. It returns false if none was armed.
func (s *Scheduler) Cancel(worker string) bool {
	s.mu.Lock()
	item, ok := s.byKey[worker]
	if ok {
		heap.Remove(&s.h, item.index)
		delete(s.byKey, worker)
	}
	s.mu.Unlock()
	if ok {
		s.poke()
	}
	return ok
}

// Deadline returns worker's armed deadline.
func (s *Scheduler) Deadline(worker string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byKey[worker]
	if !ok {
		return time.Time{}, false
	}
	return item.deadline, true
}

// Len returns the number of armed deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

// PopDue removes and returns every worker whose deadline is not after now,
// earliest first.
func (s *Scheduler) PopDue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	var due []string
	for s.h.Len() > 0 && !s.h[0].deadline.After(now) {
		item, _ := heap.Pop(&s.h).(*timerItem)
		delete(s.byKey, item.worker)
		due = append(due, item.worker)
	}
	return due
}

// next returns the time until the earliest deadline.
func (s *Scheduler) next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return 0, false
	}
	return s.h[0].deadline.Sub(s.nowFunc()), true
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// idleWait bounds how long Run sleeps with nothing armed.
const idleWait = time.Hour

// Run fires due deadlines until ctx is cancelled. fire is called on the
// Run goroutine, one worker at a time, after the deadline has been removed;
// fire may re-arm.
func (s *Scheduler) Run(ctx context.Context, fire func(worker string)) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		for _, w := range s.PopDue() {
			fire(w)
		}

		wait, ok := s.next()
		if !ok {
			wait = idleWait
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
