package provider

import (
	"context"
	"math/rand"
	"time"
)

// Stub is a synthetic Provider used by the demo entry point and tests.
// It replies with its own ID after an optional delay, and can be made to
// fail Serve or Check calls on a schedule for exercising the balancer's
// failure paths without a real backend.
type Stub struct {
	id ID

	// Delay is added before Serve returns, simulating network/processing
	// latency. Zero means no delay.
	Delay time.Duration

	// FailServe, when non-nil, is consulted on every Serve call; a true
	// result makes the call fail instead of succeed.
	FailServe func() bool

	// Healthy, when non-nil, is consulted on every Check call in place of
	// the default always-healthy behavior.
	Healthy func() bool

	rnd *rand.Rand
}

// NewStub creates a stub provider identified by id.
func NewStub(id ID, delay time.Duration) *Stub {
	return &Stub{id: id, Delay: delay, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *Stub) Serve(ctx context.Context) (string, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.FailServe != nil && s.FailServe() {
		return "", errServeFailed{id: s.id}
	}
	return string(s.id), nil
}

func (s *Stub) Check(ctx context.Context) (bool, error) {
	if s.Healthy != nil {
		return s.Healthy(), nil
	}
	return true, nil
}

type errServeFailed struct{ id ID }

func (e errServeFailed) Error() string {
	return "provider " + string(e.id) + ": simulated serve failure"
}
