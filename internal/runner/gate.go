package runner

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned from gate waits once a cooperative stop has been
// requested. The loop treats it as a clean exit, never as a failure.
var ErrStopped = errors.New("stop requested")

// sleepChunk bounds how long a stop or pause request can go unnoticed
// while the loop is inside a delay.
const sleepChunk = 50 * time.Millisecond

// Gate carries the cooperative stop and pause flags every loop delay
// checks. Paused time never counts against a running delay, so resuming
// mid-cool-down does not shorten the cool-down.
type Gate struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewGate() *Gate {
	return &Gate{stopCh: make(chan struct{})}
}

// Stop requests a cooperative stop. Idempotent.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Gate) Stopped() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

// Pause suspends the loop at its next suspension point. Returns false if
// already paused.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.resumeCh = make(chan struct{})
	return true
}

// Resume releases a paused loop. Returns false if not paused.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resumeCh)
	return true
}

func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// AwaitResume blocks while paused. It also honors stop and context
// cancellation, so a paused loop can still be stopped.
func (g *Gate) AwaitResume(ctx context.Context) error {
	for {
		g.mu.Lock()
		paused := g.paused
		ch := g.resumeCh
		g.mu.Unlock()

		if !paused {
			return nil
		}
		select {
		case <-g.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Sleep consumes d of unpaused time. It sleeps in small chunks and
// re-checks the flags between chunks, so a stop lands within one chunk
// and a chunk spent (even partially) paused is not counted.
func (g *Gate) Sleep(ctx context.Context, d time.Duration) error {
	remaining := d
	for {
		if g.Stopped() {
			return ErrStopped
		}
		if err := g.AwaitResume(ctx); err != nil {
			return err
		}
		if remaining <= 0 {
			return nil
		}

		chunk := remaining
		if chunk > sleepChunk {
			chunk = sleepChunk
		}

		start := time.Now()
		timer := time.NewTimer(chunk)
		select {
		case <-g.stopCh:
			timer.Stop()
			return ErrStopped
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !g.Paused() {
			remaining -= time.Since(start)
		}
	}
}
