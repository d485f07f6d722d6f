// Package heartbeat implements the per-provider periodic health prober
// that turns a raw boolean probe stream into settled Alive/Dead
// transitions via a pluggable debounce policy.
package heartbeat

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Status is a provider's settled health state.
type Status int

const (
	// Alive is the initial reported status, so the first probe
	// returning true emits no transition.
	Alive Status = iota
	Dead
)

func (s Status) String() string {
	if s == Alive {
		return "alive"
	}
	return "dead"
}

// DebouncePolicy converts a boolean probe stream into a settled Status.
// It is private, per-watch state — never shared between providers.
type DebouncePolicy interface {
	// Next feeds one probe result and returns the resulting status.
	Next(probeOK bool) Status
}

// aliveAfterRounds is the canonical debounce policy: once Dead, k
// consecutive true probes are required before reporting Alive again. A
// false probe during the recovery window resets the consecutive count.
type aliveAfterRounds struct {
	k                int
	current          Status
	consecutiveAlive int
}

// AliveAfterRounds returns a DebouncePolicy factory requiring k
// consecutive true probes to transition Dead→Alive. Panics if k <= 0.
func AliveAfterRounds(k int) func() DebouncePolicy {
	if k <= 0 {
		panic("heartbeat: k must be > 0")
	}
	return func() DebouncePolicy {
		return &aliveAfterRounds{k: k, current: Alive}
	}
}

func (p *aliveAfterRounds) Next(probeOK bool) Status {
	switch p.current {
	case Alive:
		if !probeOK {
			p.consecutiveAlive = 0
			p.current = Dead
		}
	case Dead:
		if probeOK {
			p.consecutiveAlive++
			if p.consecutiveAlive >= p.k {
				p.current = Alive
			}
		} else {
			p.consecutiveAlive = 0
		}
	}
	return p.current
}

// Prober is the subset of provider.Provider the controller needs: a
// single-shot liveness check. A probe error is treated as probeOK=false.
type Prober interface {
	Check(ctx context.Context) (bool, error)
}

// OnTransition is invoked whenever the debounced status differs from the
// last reported one. It is called from the watch goroutine — callers that
// need to serialize it against other state (as the Dispatch Core does)
// must not block on anything that would re-enter Watch or Cancel.
type OnTransition func(Status)

// Controller runs one watch loop per provider. A single Controller is
// shared across every provider a Balancer tracks, so its probeLimiter
// caps the aggregate probe rate across all of them, not per-provider.
type Controller struct {
	interval        time.Duration
	debounceFactory func() DebouncePolicy
	probeLimiter    *rate.Limiter
}

// New creates a Controller probing every interval using policies produced
// by debounceFactory (called once per Watch).
func New(interval time.Duration, debounceFactory func() DebouncePolicy) *Controller {
	return &Controller{interval: interval, debounceFactory: debounceFactory}
}

// WithProbeRateLimit caps the aggregate rate at which Watch loops across
// every provider may issue Check calls, smoothing the probe storm that
// would otherwise occur when many providers share the same interval and
// their probes phase-align. It returns c for chaining.
func (c *Controller) WithProbeRateLimit(r float64, burst int) *Controller {
	c.probeLimiter = rate.NewLimiter(rate.Limit(r), burst)
	return c
}

// Watch starts a loop that probes check, debounces the result, and
// invokes onTransition on any status change, sleeping interval between
// probes. It returns a cancel function; calling it interrupts both a
// pending sleep and a pending probe.
func (c *Controller) Watch(ctx context.Context, check Prober, onTransition OnTransition) (cancel func()) {
	ctx, cancelFn := context.WithCancel(ctx)
	policy := c.debounceFactory()
	last := Alive

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if c.probeLimiter != nil {
				if err := c.probeLimiter.Wait(ctx); err != nil {
					return
				}
			}

			ok, err := check.Check(ctx)
			if ctx.Err() != nil {
				return
			}
			probeOK := err == nil && ok

			status := policy.Next(probeOK)
			if status != last {
				last = status
				onTransition(status)
			}

			select {
			case <-time.After(c.interval):
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancelFn()
		<-done
	}
}
