package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminder_calls_backend/platform/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLoopsTickIndependently(t *testing.T) {
	var fast, slow atomic.Int32
	release := make(chan struct{})

	e := New(logger.Nop(),
		Loop{Name: "fast", Interval: 10 * time.Millisecond, Job: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Loop{Name: "slow", Interval: 10 * time.Millisecond, Job: func(context.Context) error {
			slow.Add(1)
			<-release
			return nil
		}},
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return fast.Load() >= 5 })
	if slow.Load() != 1 {
		t.Fatalf("blocked loop must not overlap its own ticks, got %d", slow.Load())
	}

	close(release)
	e.Stop()
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	e := New(logger.Nop(), Loop{Name: "poll", Interval: time.Hour, Job: func(ctx context.Context) error {
		close(started)
		// Item work is detached from the loop context.
		itemCtx := context.WithoutCancel(ctx)
		select {
		case <-itemCtx.Done():
		case <-time.After(50 * time.Millisecond):
		}
		finished.Store(true)
		return nil
	}})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	e.Stop()

	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight tick finished")
	}
}

func TestNoTicksAfterStop(t *testing.T) {
	var ticks atomic.Int32
	e := New(logger.Nop(), Loop{Name: "sweep", Interval: 5 * time.Millisecond, Job: func(context.Context) error {
		ticks.Add(1)
		return nil
	}})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return ticks.Load() >= 2 })
	e.Stop()

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("loop ticked after Stop: %d -> %d", after, ticks.Load())
	}
}

func TestFailingAndPanickingTicksKeepLooping(t *testing.T) {
	var ticks atomic.Int32
	e := New(logger.Nop(), Loop{Name: "flaky", Interval: 5 * time.Millisecond, Job: func(context.Context) error {
		n := ticks.Add(1)
		if n == 1 {
			panic("boom")
		}
		return errors.New("transient")
	}})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return ticks.Load() >= 3 })
	e.Stop()
}

func TestStartTwiceAndDisabledLoops(t *testing.T) {
	var mu sync.Mutex
	ran := map[string]bool{}
	job := func(name string) Job {
		return func(context.Context) error {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return nil
		}
	}

	e := New(logger.Nop(),
		Loop{Name: "enabled", Interval: time.Hour, Job: job("enabled")},
		Loop{Name: "disabled", Interval: 0, Job: job("disabled")},
	)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran["enabled"]
	})
	e.Stop()
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	if ran["disabled"] {
		t.Fatal("loop with zero interval must not run")
	}
}
