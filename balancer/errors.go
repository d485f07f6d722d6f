package balancer

import (
	"errors"
	"fmt"
)

// ErrNoProvidersAvailable is returned by Get when the eligible set is
// empty. Transient: callers should retry with backoff.
var ErrNoProvidersAvailable = errors.New("balancer: no providers available")

// ErrCapacityLimit is returned by Get when the selected provider's
// limiter rejected the call. Transient: the limiter self-heals and the
// provider is automatically re-included once capacity returns.
var ErrCapacityLimit = errors.New("balancer: provider at capacity limit")

// ErrAlreadyStarted is returned by Start if called more than once.
var ErrAlreadyStarted = errors.New("balancer: already started")

// ErrNotStarted is returned by Stop if the balancer was never started.
var ErrNotStarted = errors.New("balancer: not started")

// ProviderFailureError wraps a one-shot failure from a provider's Serve
// call. errors.Unwrap recovers the underlying cause.
type ProviderFailureError struct {
	ID  string
	Err error
}

func (e *ProviderFailureError) Error() string {
	return fmt.Sprintf("balancer: provider %s failed: %v", e.ID, e.Err)
}

func (e *ProviderFailureError) Unwrap() error { return e.Err }
