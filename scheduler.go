package kairos

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ──────────────────────────────────────────────
// Deadline scheduler
// ──────────────────────────────────────────────

// deadlineEntry is one pending completion in the queue.
type deadlineEntry struct {
	id        string
	at        time.Time
	index     int
	cancelled bool
}

// deadlineQueue is a min-heap keyed by completion time.
type deadlineQueue []*deadlineEntry

func (q deadlineQueue) Len() int            { return len(q) }
func (q deadlineQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q deadlineQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *deadlineQueue) Push(x interface{}) { e := x.(*deadlineEntry); e.index = len(*q); *q = append(*q, e) }
func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// FireFn is invoked by the scheduler loop when a deadline elapses.
type FireFn func(id string)

// DeadlineScheduler runs deferred completions from a single loop over a
// min-heap of deadlines. Completion is scheduled relative to instance
// creation time, never period-aligned, and firing never blocks the caller
// that scheduled it.
//
// Replaces fire-and-forget timers so tests can advance a virtual Clock
// instead of sleeping.
type DeadlineScheduler struct {
	clock Clock
	fire  FireFn
	log   *logrus.Entry

	mu      sync.Mutex
	queue   deadlineQueue
	entries map[string]*deadlineEntry

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewDeadlineScheduler creates a scheduler. fire is called once per
// scheduled id, from the scheduler goroutine.
func NewDeadlineScheduler(cfg *Config, fire FireFn) *DeadlineScheduler {
	cfg = cfg.normalized()
	return &DeadlineScheduler{
		clock:   cfg.Clock,
		fire:    fire,
		log:     cfg.component("DeadlineScheduler"),
		entries: make(map[string]*deadlineEntry),
		wake:    make(chan struct{}, 1),
	}
}

// Schedule registers id to fire at the given time. Scheduling the same id
// again replaces its deadline.
func (s *DeadlineScheduler) Schedule(id string, at time.Time) {
	s.mu.Lock()
	if old, ok := s.entries[id]; ok {
		old.cancelled = true
	}
	e := &deadlineEntry{id: id, at: at}
	s.entries[id] = e
	heap.Push(&s.queue, e)
	s.mu.Unlock()
	s.wakeLoop()
}

// Cancel removes a pending deadline. Returns false when id is not pending.
func (s *DeadlineScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(s.entries, id)
	return true
}

// Pending returns the number of scheduled, uncancelled deadlines.
func (s *DeadlineScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start launches the scheduler loop. Non-blocking, idempotent.
func (s *DeadlineScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

// Stop halts the loop and waits for it to exit. Already-scheduled deadlines
// stay in the queue and fire after a later Start.
func (s *DeadlineScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *DeadlineScheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop pops due entries and parks until the next deadline, a wake signal
// (new earlier deadline), or stop.
func (s *DeadlineScheduler) loop() {
	defer close(s.doneCh)
	for {
		fired := s.collectDue()
		for _, id := range fired {
			s.fireOne(id)
		}

		next, ok := s.nextDeadline()
		if !ok {
			// Nothing queued: park until woken or stopped.
			select {
			case <-s.stopCh:
				return
			case <-s.wake:
				continue
			}
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-s.clock.Until(next):
		}
	}
}

// collectDue pops every entry whose deadline has elapsed.
func (s *DeadlineScheduler) collectDue() []string {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.cancelled {
			heap.Pop(&s.queue)
			continue
		}
		if head.at.After(now) {
			break
		}
		heap.Pop(&s.queue)
		delete(s.entries, head.id)
		due = append(due, head.id)
	}
	return due
}

// nextDeadline returns the earliest live deadline.
func (s *DeadlineScheduler) nextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.cancelled {
			heap.Pop(&s.queue)
			continue
		}
		return head.at, true
	}
	return time.Time{}, false
}

func (s *DeadlineScheduler) fireOne(id string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"instance": id, "panic": r}).
				Error("completion callback panicked")
		}
	}()
	s.fire(id)
}
