package pricing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IdleInterval is the default minimum spacing of non-forced passes.
const IdleInterval = 5 * time.Second

// PassFunc runs one recalculation pass.
type PassFunc func(ctx context.Context, force bool) (Result, error)

// Scheduler is a single-slot coalescing queue in front of a pass. At most
// one pass runs at a time; triggers arriving mid-pass fold into exactly one
// rerun that starts as soon as the current pass ends. Completion callbacks
// are handed to post, which runs them on the foreground loop.
type Scheduler struct {
	pass    PassFunc
	post    func(func())
	limiter *rate.Limiter

	mu         sync.Mutex
	running    bool
	rerun      bool
	rerunForce bool
	waiting    []func(error) // Callbacks for the pass in flight
	queued     []func(error) // Callbacks for the rerun
	trailing   *time.Timer
	closed     bool

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler spacing non-forced passes at least idle
// apart (IdleInterval when zero). A nil post runs callbacks on the pass
// goroutine.
func NewScheduler(pass PassFunc, post func(func()), idle time.Duration) *Scheduler {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	if idle <= 0 {
		idle = IdleInterval
	}
	return &Scheduler{
		pass:    pass,
		post:    post,
		limiter: rate.NewLimiter(rate.Every(idle), 1),
	}
}

// Trigger requests a pass. A non-forced trigger inside the idle interval
// is reported as an immediate success and arms one trailing pass, so the
// change it signals is priced once the interval elapses. done may be nil.
func (s *Scheduler) Trigger(force bool, done func(error)) {
	if !force {
		r := s.limiter.Reserve()
		if d := r.Delay(); d > 0 {
			s.armTrailing(r, d)
			s.deliver([]func(error){done}, nil)
			return
		}
	}
	s.enqueue(force, done)
}

func (s *Scheduler) armTrailing(r *rate.Reservation, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.trailing != nil {
		// One trailing pass covers every throttled trigger.
		r.Cancel()
		return
	}
	s.wg.Add(1)
	s.trailing = time.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mu.Lock()
		s.trailing = nil
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.enqueue(false, nil)
		}
	})
}

func (s *Scheduler) enqueue(force bool, done func(error)) {
	s.mu.Lock()
	if s.running {
		s.rerun = true
		s.rerunForce = s.rerunForce || force
		if done != nil {
			s.queued = append(s.queued, done)
		}
		s.mu.Unlock()
		return
	}
	s.running = true
	if done != nil {
		s.waiting = append(s.waiting, done)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(force)
}

// run executes passes until no rerun is pending.
func (s *Scheduler) run(force bool) {
	defer s.wg.Done()

	for {
		_, err := s.pass(context.Background(), force)

		s.mu.Lock()
		callbacks := s.waiting
		s.waiting = nil
		if !s.rerun {
			s.running = false
			s.mu.Unlock()
			s.deliver(callbacks, err)
			return
		}
		force = s.rerunForce
		s.rerun, s.rerunForce = false, false
		s.waiting, s.queued = s.queued, nil
		s.mu.Unlock()

		s.deliver(callbacks, err)
	}
}

func (s *Scheduler) deliver(callbacks []func(error), err error) {
	pending := make([]func(error), 0, len(callbacks))
	for _, cb := range callbacks {
		if cb != nil {
			pending = append(pending, cb)
		}
	}
	if len(pending) == 0 {
		return
	}
	s.post(func() {
		for _, cb := range pending {
			cb(err)
		}
	})
}

// Busy reports whether a pass is in flight.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close cancels a pending trailing pass and waits for passes in flight.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.trailing != nil && s.trailing.Stop() {
		s.trailing = nil
		s.wg.Done()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
