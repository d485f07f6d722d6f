// Package limiter implements the per-provider concurrency admission gate
// described as the Call Limiter: admit up to maxCalls concurrent calls,
// reject the rest, and signal when capacity returns.
package limiter

import (
	"context"
	"sync"
)

// Outcome is the result of the work function WithLimit admitted, returned
// through the admitted path.
type Outcome struct {
	Value string
	Err   error
}

// Decision is what WithLimit returns: exactly one of Admitted or
// Rejected is populated.
type Decision struct {
	// Admitted is non-nil when the call was let through. It receives the
	// Outcome once the scheduled work completes.
	Admitted <-chan Outcome

	// Rejected is true when the limiter is saturated. ReleaseSignal
	// resolves when capacity is expected to be available again — not a
	// guarantee, just a liveness hint for the caller's re-admission wait.
	Rejected      bool
	ReleaseSignal <-chan struct{}
}

// Limiter is the per-provider admission gate.
type Limiter interface {
	// WithLimit admits work if capacity allows, otherwise rejects with a
	// release signal for the caller to wait on before retrying.
	WithLimit(ctx context.Context, work func(ctx context.Context) (string, error)) Decision

	// InFlight returns the current number of admitted, not-yet-completed
	// calls.
	InFlight() int64

	// Saturated reports whether the limiter is currently rejecting calls.
	Saturated() bool
}

// Counting is the default Limiter: admits up to maxCalls concurrent
// calls tracked by a simple counter, rejecting the rest.
//
// Saturation waves: crossing maxCalls allocates a fresh releaseSignal
// channel for the rejection wave that follows. If a second wave begins
// before the first's signal has been closed — the hazard called out for
// this design — the new allocation first closes the stale one, so no
// generation of waiters is ever stranded.
type Counting struct {
	mu            sync.Mutex
	maxCalls      int64
	inFlight      int64
	saturated     bool
	releaseSignal chan struct{}
}

// NewCounting creates a Limiter admitting up to maxCalls concurrent
// calls. Panics if maxCalls <= 0 — a zero-capacity limiter is a
// programming error, not a runtime condition.
func NewCounting(maxCalls int64) *Counting {
	if maxCalls <= 0 {
		panic("limiter: maxCalls must be > 0")
	}
	return &Counting{maxCalls: maxCalls}
}

func (c *Counting) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Counting) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saturated
}

// WithLimit admits and schedules work on a new goroutine if capacity
// allows, returning a channel for its Outcome. Otherwise it returns the
// current saturation wave's release signal and rejects immediately.
func (c *Counting) WithLimit(ctx context.Context, work func(ctx context.Context) (string, error)) Decision {
	c.mu.Lock()

	if c.inFlight >= c.maxCalls {
		c.saturated = true
		signal := c.releaseSignal
		c.mu.Unlock()
		return Decision{Rejected: true, ReleaseSignal: signal}
	}

	c.inFlight++
	if c.inFlight >= c.maxCalls {
		c.saturated = true
		c.rotateReleaseSignalLocked()
	}
	c.mu.Unlock()

	out := make(chan Outcome, 1)
	go func() {
		value, err := work(ctx)
		c.release()
		out <- Outcome{Value: value, Err: err}
	}()

	return Decision{Admitted: out}
}

// rotateReleaseSignalLocked allocates a fresh releaseSignal for the wave
// that is about to start, closing any previous one first so its waiters
// are never stranded. Must be called with mu held.
func (c *Counting) rotateReleaseSignalLocked() {
	if c.releaseSignal != nil {
		close(c.releaseSignal)
	}
	c.releaseSignal = make(chan struct{})
}

// release is invoked exactly once per admitted call on completion
// (success or failure). It decrements the counter and, if this completion
// clears saturation, resolves the current wave's release signal exactly
// once.
func (c *Counting) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight--
	if c.saturated && c.inFlight < c.maxCalls {
		c.saturated = false
		if c.releaseSignal != nil {
			close(c.releaseSignal)
			c.releaseSignal = nil
		}
	}
}
