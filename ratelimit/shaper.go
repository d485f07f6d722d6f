// Package ratelimit composes a steady-state QPS budget in front of a
// limiter.Limiter, so a provider's admission gate enforces both a
// concurrency ceiling and a token-bucket rate, the same token-bucket
// middleware idiom used elsewhere in this module for request shaping.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"providerlb/limiter"
)

// Shaper wraps a limiter.Limiter, rejecting calls that would exceed a
// token-bucket rate even when the wrapped limiter has concurrency
// capacity to spare.
type Shaper struct {
	inner   limiter.Limiter
	bucket  *rate.Limiter
	release chan struct{}
}

// New wraps inner with a token bucket allowing r calls/sec with burst
// capacity burst.
func New(inner limiter.Limiter, r float64, burst int) *Shaper {
	release := make(chan struct{})
	close(release) // rate-limit rejections are immediately retryable
	return &Shaper{
		inner:   inner,
		bucket:  rate.NewLimiter(rate.Limit(r), burst),
		release: release,
	}
}

func (s *Shaper) InFlight() int64 { return s.inner.InFlight() }

func (s *Shaper) Saturated() bool { return s.inner.Saturated() }

// WithLimit rejects immediately (without consuming the wrapped limiter's
// concurrency slot) if the token bucket is exhausted; otherwise delegates
// to inner.
func (s *Shaper) WithLimit(ctx context.Context, work func(ctx context.Context) (string, error)) limiter.Decision {
	if !s.bucket.Allow() {
		return limiter.Decision{Rejected: true, ReleaseSignal: s.release}
	}
	return s.inner.WithLimit(ctx, work)
}
