// Package engine provides the foreground execution loop: a periodic tick
// plus a queue of posted tasks, all run on one goroutine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the tick spacing; the auto-sell sweep runs every tick.
const DefaultInterval = 2 * time.Second

// TickSchedule defines when each layer runs relative to the tick counter
// at the default interval.
const (
	TicksPerMinute = 30
	TicksPerHour   = 1800
)

// queueSize bounds posted tasks waiting for the loop.
const queueSize = 256

// Engine drives the foreground loop.
type Engine struct {
	Tick     uint64        // Current tick counter (monotonic, never resets); read with CurrentTick
	Interval time.Duration // Tick interval

	// Callbacks for each tick layer, populated during setup.
	OnTick   func(tick uint64) // Every tick
	OnMinute func(tick uint64) // Every TicksPerMinute ticks
	OnHour   func(tick uint64) // Every TicksPerHour ticks

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	running bool
}

// NewEngine creates a loop with default settings.
func NewEngine() *Engine {
	return &Engine{
		Interval: DefaultInterval,
		tasks:    make(chan func(), queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes ticks and posted tasks until Stop is called or ctx ends.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	defer close(e.done)

	if e.Interval <= 0 {
		e.Interval = DefaultInterval
	}
	slog.Info("market loop started", "tick", e.Tick, "interval", e.Interval)

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			slog.Info("market loop stopped", "tick", e.Tick, "reason", ctx.Err())
			return
		case <-e.quit:
			e.drain()
			slog.Info("market loop stopped", "tick", e.Tick)
			return
		case fn := <-e.tasks:
			e.safely("task", fn)
		case <-ticker.C:
			e.step()
		}
	}
}

// Stop halts the loop and waits for it to exit. Tasks already posted run
// before it returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	running := e.running
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
	e.mu.Unlock()
	if running {
		<-e.done
	}
}

// Post queues fn to run on the loop goroutine. It returns false when the
// loop has stopped.
func (e *Engine) Post(fn func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.tasks <- fn:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) drain() {
	for {
		select {
		case fn := <-e.tasks:
			e.safely("task", fn)
		default:
			return
		}
	}
}

// step advances the loop by one tick.
func (e *Engine) step() {
	tick := atomic.AddUint64(&e.Tick, 1)

	// Every tick: auto-sell sweep.
	if e.OnTick != nil {
		e.safely("tick", func() { e.OnTick(tick) })
	}

	// Every minute: idle recalculation trigger.
	if tick%TicksPerMinute == 0 && e.OnMinute != nil {
		e.safely("minute", func() { e.OnMinute(tick) })
	}

	// Every hour: housekeeping and summaries.
	if tick%TicksPerHour == 0 && e.OnHour != nil {
		e.safely("hour", func() { e.OnHour(tick) })
	}
}

// safely runs fn, logging a panic instead of taking the loop down.
func (e *Engine) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("market loop callback panicked", "callback", what, "tick", e.CurrentTick(), "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// CurrentTick returns the tick counter; safe from any goroutine.
func (e *Engine) CurrentTick() uint64 {
	return atomic.LoadUint64(&e.Tick)
}

// Uptime returns how long the loop has run, from the tick counter.
func (e *Engine) Uptime() time.Duration {
	return time.Duration(e.CurrentTick()) * e.Interval
}
