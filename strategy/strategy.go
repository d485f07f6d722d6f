// Package strategy implements the selection policies the Dispatch Core
// uses to pick one provider per request from its current eligible set.
//
// A Strategy is stateful across calls and must tolerate Include/Exclude
// between Next calls — the eligible set changes continuously underneath
// it as registry events, heartbeat transitions, and limiter rejections
// arrive. A Strategy is NOT safe for concurrent use; the Dispatch Core
// holds a mutex around every call into it.
package strategy

import "providerlb/provider"

// Item pairs a Provider with its identity for idempotent Include/Exclude.
// Weight is consulted only by weight-aware strategies; strategies that
// ignore it (round-robin, uniform random) treat every item equally.
type Item struct {
	ID       provider.ID
	Provider provider.Provider
	Weight   int
}

// Strategy is the contract every selection policy implements.
type Strategy interface {
	// HasNext reports whether the eligible set is non-empty.
	HasNext() bool

	// Next returns the next item to serve. Precondition: HasNext() was
	// true; calling Next on an empty set is a programmer error.
	Next() Item

	// Include idempotently adds item to the eligible set. Returns
	// whether the set actually changed.
	Include(item Item) bool

	// Exclude idempotently removes id from the eligible set. Returns
	// whether the set actually changed.
	Exclude(id provider.ID) bool
}

// KeyedStrategy is implemented by strategies that can additionally pick a
// provider deterministically from an external key, for cache-affinity use
// cases. It is not used by the Dispatch Core's default request path.
type KeyedStrategy interface {
	Strategy
	PickForKey(key string) (Item, error)
}
