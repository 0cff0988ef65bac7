// Package engine runs the call engine's timer-driven loops: the follow-up
// scheduler, the outcome poller, the dead-letter sweep and the reservation
// cleanup.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"reminder_calls_backend/platform/logger"
)

// Job is one tick of a loop. It must bound its own per-item work.
type Job func(ctx context.Context) error

// Loop is a named job and its tick interval.
type Loop struct {
	Name     string
	Interval time.Duration
	Job      Job
}

// Engine owns the loops. Loops never block each other.
type Engine struct {
	loops []Loop
	log   *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// ErrAlreadyStarted is returned by Start on a running engine.
var ErrAlreadyStarted = errors.New("engine already started")

func New(log *logger.Logger, loops ...Loop) *Engine {
	return &Engine{loops: loops, log: log.WithComponent("engine")}
}

// Start launches every loop. Each loop runs its job once immediately, then on
// its own ticker. A tick that overruns its interval delays the next one
// instead of overlapping it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	for _, l := range e.loops {
		if l.Job == nil || l.Interval <= 0 {
			e.log.Warn("loop disabled", "loop", l.Name, "interval", l.Interval)
			continue
		}
		e.wg.Add(1)
		go e.run(loopCtx, l)
	}
	e.log.Info("engine started", "loops", len(e.loops))
	return nil
}

// Stop ends all ticking and waits for in-flight ticks to return. Per-item
// work inside a tick runs on detached contexts, so it completes rather than
// being cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info("engine stopped")
}

func (e *Engine) run(ctx context.Context, l Loop) {
	defer e.wg.Done()
	log := &logger.Logger{Logger: e.log.With("loop", l.Name)}

	e.tick(ctx, log, l)

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Both cases can be ready at once; never start a tick after Stop.
			if ctx.Err() != nil {
				return
			}
			e.tick(ctx, log, l)
		}
	}
}

func (e *Engine) tick(ctx context.Context, log *logger.Logger, l Loop) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("loop tick panicked", "panic", r)
		}
	}()

	start := time.Now()
	if err := l.Job(ctx); err != nil {
		log.Warn("loop tick failed", "error", err, "durationMs", time.Since(start).Milliseconds())
	}
}
