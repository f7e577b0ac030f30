// Package engine provides the real-time tick loop and the lock-guarded
// simulation state that the API reads.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var errStopped = errors.New("stop requested")

// pausePoll is how often a paused engine checks whether it was resumed.
const pausePoll = 100 * time.Millisecond

// Engine drives the simulation forward.
type Engine struct {
	Interval      time.Duration // Base tick interval at speed 1; zero runs unpaced
	MaxTicks      uint64        // Stop after this tick; zero runs until stopped
	SnapshotEvery uint64        // OnSnapshot cadence in ticks; zero disables it

	// Callbacks populated during setup.
	OnTick     func(tick uint64) // Every tick
	OnSnapshot func(tick uint64) // Every SnapshotEvery ticks

	mu      sync.Mutex
	tick    uint64
	speed   float64
	running bool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewEngine creates an engine at speed 1 with a one-second interval.
func NewEngine() *Engine {
	return &Engine{
		Interval: time.Second,
		speed:    1.0,
		stop:     make(chan struct{}),
	}
}

// Tick returns the last tick stepped.
func (e *Engine) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// SetTick resumes counting from t, e.g. after a restore.
func (e *Engine) SetTick(t uint64) {
	e.mu.Lock()
	e.tick = t
	e.mu.Unlock()
}

// Speed returns the pacing multiplier. Zero means paused.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the pacing multiplier. Negative values pause.
func (e *Engine) SetSpeed(s float64) {
	e.mu.Lock()
	e.speed = max(s, 0)
	e.mu.Unlock()
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run starts the loop. It blocks until ctx is cancelled, Stop is called, or
// MaxTicks is reached.
func (e *Engine) Run(ctx context.Context) {
	e.setRunning(true)
	defer e.setRunning(false)
	slog.Info("simulation engine started", "tick", e.Tick(), "speed", e.Speed(), "interval", e.Interval)

	for {
		if e.MaxTicks > 0 && e.Tick() >= e.MaxTicks {
			slog.Info("simulation engine reached tick limit", "tick", e.Tick())
			return
		}

		speed := e.Speed()
		if speed <= 0 {
			if err := e.wait(ctx, pausePoll); err != nil {
				e.stopped(err)
				return
			}
			continue
		}

		start := time.Now()
		e.step()

		if e.Interval <= 0 {
			if err := e.poll(ctx); err != nil {
				e.stopped(err)
				return
			}
			continue
		}

		target := time.Duration(float64(e.Interval) / speed)
		if err := e.wait(ctx, target-time.Since(start)); err != nil {
			e.stopped(err)
			return
		}
	}
}

// Stop halts the loop. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Engine) step() {
	e.mu.Lock()
	e.tick++
	tick := e.tick
	e.mu.Unlock()

	if e.OnTick != nil {
		e.OnTick(tick)
	}
	if e.SnapshotEvery > 0 && tick%e.SnapshotEvery == 0 && e.OnSnapshot != nil {
		e.OnSnapshot(tick)
	}
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return e.poll(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return errStopped
	case <-t.C:
		return nil
	}
}

func (e *Engine) poll(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return errStopped
	default:
		return nil
	}
}

func (e *Engine) stopped(reason error) {
	slog.Info("simulation engine stopped", "tick", e.Tick(), "reason", reason)
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}
