// Package scheduler keeps the set of requests the channel master is waiting
// on the configuration server to answer, and re-issues them on a backoff.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sambigeara/lonip/pkg/types"
)

const (
	FirstInterval = 500 * time.Millisecond
	RetryInterval = time.Second
	IdleInterval  = 30 * time.Second

	// retryCycles is the last cycle retried at RetryInterval; past it the
	// server is assumed absent.
	retryCycles = 10

	// MaxRoutingRequestsPerCycle bounds the routing requests sent per cycle.
	MaxRoutingRequestsPerCycle = 50
)

// Interval is the delay before the n-th consecutive unanswered cycle.
func Interval(n int) time.Duration {
	switch {
	case n <= 1:
		return FirstInterval
	case n <= retryCycles:
		return RetryInterval
	default:
		return IdleInterval
	}
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Option func(*Scheduler)

// WithAfterFunc replaces the timer source.
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Scheduler) { s.afterFunc = fn }
}

// Scheduler tracks outstanding requests. When a cycle is due it calls the
// wake function, which must not block; the owner then calls Due to collect
// what to send.
type Scheduler struct {
	log       *zap.SugaredLogger
	afterFunc AfterFunc
	wake      func()
	stopTimer func() bool
	gen       uint64
	cycle     int
	pending   types.RequestSet
	hasServer bool
	stopping  bool
	armed     bool
	mu        sync.Mutex
}

func New(wake func(), opts ...Option) *Scheduler {
	s := &Scheduler{
		log:       zap.S().Named("scheduler"),
		afterFunc: realAfterFunc,
		wake:      wake,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetServer records whether a configuration server is configured. Without
// one nothing is retried and the pending set is cleared.
func (s *Scheduler) SetServer(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasServer = ok
	if !ok {
		s.resetLocked()
	}
}

// Arm adds requests to the pending set. immediate restarts the backoff so
// the next cycle fires after FirstInterval; it is used when the server has
// just been heard from.
func (s *Scheduler) Arm(reqs types.RequestSet, immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}
	if !s.hasServer {
		s.resetLocked()
		return
	}

	s.pending = s.pending.Union(reqs)
	if s.pending.Empty() {
		return
	}
	if immediate {
		s.cycle = 0
		s.scheduleLocked(FirstInterval)
		return
	}
	if !s.armed {
		s.scheduleLocked(Interval(s.cycle + 1))
	}
}

// Clear removes answered requests. Once nothing is pending the backoff
// starts over.
func (s *Scheduler) Clear(kinds ...types.RequestKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		s.pending = s.pending.Without(k)
	}
	if s.pending.Empty() {
		s.cancelLocked()
		s.cycle = 0
	}
}

// Due is called by the owner after a wake. It returns the requests to
// re-send this cycle and schedules the next one.
func (s *Scheduler) Due() types.RequestSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.pending.Empty() {
		return 0
	}
	s.cycle++
	next := Interval(s.cycle + 1)
	if s.cycle == retryCycles+1 {
		s.log.Infow("configuration server not answering, backing off", "pending", s.pending, "interval", next)
	}
	s.scheduleLocked(next)
	return s.pending
}

func (s *Scheduler) Pending() types.RequestSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Cycle returns the number of consecutive cycles fired without the pending
// set draining.
func (s *Scheduler) Cycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// Stop makes every later Arm a no-op and cancels the timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
	s.cancelLocked()
}

func (s *Scheduler) scheduleLocked(d time.Duration) {
	s.cancelLocked()
	s.gen++
	gen := s.gen
	s.armed = true
	s.stopTimer = s.afterFunc(d, func() { s.fired(gen) })
}

func (s *Scheduler) cancelLocked() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	s.armed = false
}

func (s *Scheduler) resetLocked() {
	s.cancelLocked()
	s.pending = 0
	s.cycle = 0
}

func (s *Scheduler) fired(gen uint64) {
	s.mu.Lock()
	current := gen == s.gen && s.armed && !s.stopping
	if current {
		s.armed = false
	}
	s.mu.Unlock()

	if current {
		s.wake()
	}
}
