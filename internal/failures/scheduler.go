package failures

import (
	"container/heap"
	"sync"
	"time"

	tomb "gopkg.in/tomb.v2"
)

// entry is one parked message continuation, ordered by release time with the
// insertion sequence as a stable tie-break.
type entry struct {
	at        time.Time
	seq       uint64
	sessionID string
	fn        func()
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler delivers delayed messages from a single timer goroutine. Entries
// belonging to a disconnected session are invalidated in place and skipped
// when they surface.
type Scheduler struct {
	mu   sync.Mutex
	h    entryHeap
	seq  uint64
	wake chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		wake: make(chan struct{}, 1),
	}
}

// Schedule parks fn for execution after d. fn runs on the scheduler
// goroutine and must only enqueue, never block.
func (s *Scheduler) Schedule(sessionID string, d time.Duration, fn func()) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.h, &entry{
		at:        time.Now().Add(d),
		seq:       s.seq,
		sessionID: sessionID,
		fn:        fn,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelSession silently discards every pending entry for a session.
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.h {
		if e.sessionID == sessionID {
			e.cancelled = true
		}
	}
}

// Pending counts live entries, skipping those invalidated by CancelSession.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.h {
		if !e.cancelled {
			n++
		}
	}
	return n
}

// Run blocks until the tomb dies, firing due entries in release order.
func (s *Scheduler) Run(t *tomb.Tomb) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var wait time.Duration
		s.mu.Lock()
		if len(s.h) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.h[0].at)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.fireDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-t.Dying():
			return nil
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops and runs everything whose release time has passed. The
// callbacks run outside the lock.
func (s *Scheduler) fireDue() {
	now := time.Now()
	var due []*entry

	s.mu.Lock()
	for len(s.h) > 0 && !s.h[0].at.After(now) {
		due = append(due, heap.Pop(&s.h).(*entry))
	}
	s.mu.Unlock()

	for _, e := range due {
		if !e.cancelled {
			e.fn()
		}
	}
}
