package scheduler

import (
	"sync"
	"time"

	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/sealbid/lib/auction"
)

var log = golog.Logger("sealbid/scheduler")

// Handler is called when an auction's timer expires, with the deadline it was armed for.
type Handler func(id auction.ID, deadline time.Time)

type timer struct {
	t        *time.Timer
	gen      uint64
	deadline time.Time
}

// Scheduler keeps at most one timer per auction. Each armed timer delivers its trigger at
// most once, and a replaced or disarmed timer never delivers.
type Scheduler struct {
	handler Handler

	mu     sync.Mutex
	timers map[auction.ID]*timer
	gen    uint64
	closed bool
	wg     sync.WaitGroup
}

// New returns a new Scheduler calling handler on expiry. Handlers run on their own
// goroutine.
func New(handler Handler) *Scheduler {
	return &Scheduler{
		handler: handler,
		timers:  make(map[auction.ID]*timer),
	}
}

// Arm sets the timer of an auction, replacing any existing one. Deadlines in the past fire
// immediately.
func (s *Scheduler) Arm(id auction.ID, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.t.Stop()
	}
	s.gen++
	gen := s.gen
	t := &timer{gen: gen, deadline: deadline}
	t.t = time.AfterFunc(time.Until(deadline), func() { s.fire(id, gen) })
	s.timers[id] = t
	log.Debugf("armed auction %s for %s", id, deadline.Format(time.RFC3339))
}

// Disarm removes the timer of an auction. It returns false if none was armed.
func (s *Scheduler) Disarm(id auction.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	t.t.Stop()
	delete(s.timers, id)
	log.Debugf("disarmed auction %s", id)
	return true
}

// Deadline returns the armed deadline of an auction.
func (s *Scheduler) Deadline(id auction.ID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return t.deadline, true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every timer and waits for running handlers.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) fire(id auction.ID, gen uint64) {
	s.mu.Lock()
	t, ok := s.timers[id]
	if !ok || t.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	log.Debugf("timer of auction %s expired", id)
	s.handler(id, t.deadline)
}
