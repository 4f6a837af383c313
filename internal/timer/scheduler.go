// Package timer runs every linger, heartbeat, auto-commit and backoff timer
// of a client on a single goroutine.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler fires callbacks on its own goroutine. Callbacks must not block:
// they are expected to flip state or signal a channel.
type Scheduler struct {
	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	wake    chan struct{}
	closed  bool

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	now func() time.Time
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	s *Scheduler
	e *entry
}

type entry struct {
	at     time.Time
	seq    uint64
	fn     func()
	period time.Duration
	index  int
	// cancelled is set by Stop and Close; a fired one-shot entry is not cancelled and can be Reset.
	cancelled bool
}

func (s *Scheduler) queued(e *entry) bool {
	return e.index >= 0 && e.index < len(s.entries) && s.entries[e.index] == e
}

func New() *Scheduler {
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
	go s.run()
	return s
}

// AfterFunc runs fn once after d.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) *Timer {
	return s.schedule(d, 0, fn)
}

// Every runs fn every d until the timer is stopped.
func (s *Scheduler) Every(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		panic("timer: non-positive interval")
	}
	return s.schedule(d, d, fn)
}

func (s *Scheduler) schedule(d, period time.Duration, fn func()) *Timer {
	s.mu.Lock()
	e := &entry{at: s.now().Add(d), fn: fn, period: period, seq: s.seq, index: -1}
	s.seq++
	if s.closed {
		e.cancelled = true
		s.mu.Unlock()
		return &Timer{s: s, e: e}
	}
	heap.Push(&s.entries, e)
	first := s.entries[0] == e
	s.mu.Unlock()

	if first {
		s.poke()
	}
	return &Timer{s: s, e: e}
}

// Stop cancels the timer and reports whether it was still pending.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.e.cancelled {
		return false
	}
	t.e.cancelled = true
	if s.queued(t.e) {
		heap.Remove(&s.entries, t.e.index)
		return true
	}
	return false
}

// Reset reschedules the timer d from now, also re-arming a fired one-shot
// timer. It returns false if the timer was stopped.
func (t *Timer) Reset(d time.Duration) bool {
	s := t.s
	s.mu.Lock()
	if t.e.cancelled || s.closed {
		s.mu.Unlock()
		return false
	}
	t.e.at = s.now().Add(d)
	if s.queued(t.e) {
		heap.Fix(&s.entries, t.e.index)
	} else {
		heap.Push(&s.entries, t.e)
	}
	first := s.entries[0] == t.e
	s.mu.Unlock()

	if first {
		s.poke()
	}
	return true
}

// Len is the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the scheduler; pending timers never fire.
func (s *Scheduler) Close() {
	s.closeOnce.Do(
		func() {
			s.mu.Lock()
			s.closed = true
			for _, e := range s.entries {
				e.cancelled = true
				e.index = -1
			}
			s.entries = nil
			s.mu.Unlock()
			close(s.stopCh)
			<-s.doneCh
		},
	)
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		due, wait := s.popDue()
		for _, e := range due {
			if s.live(e) {
				e.fn()
			}
		}

		if wait < 0 {
			wait = time.Hour
		}
		t.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-t.C:
		}
	}
}

// live reports whether e was not stopped after it was popped.
func (s *Scheduler) live(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !e.cancelled
}

// popDue removes every expired entry, re-arming periodic ones, and returns the
// wait until the next deadline (-1 when empty).
func (s *Scheduler) popDue() ([]*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*entry
	for len(s.entries) > 0 {
		next := s.entries[0]
		if next.at.After(now) {
			return due, next.at.Sub(now)
		}
		heap.Pop(&s.entries)
		due = append(due, next)
		if next.period > 0 {
			next.at = now.Add(next.period)
			heap.Push(&s.entries, next)
		}
	}
	return due, -1
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
