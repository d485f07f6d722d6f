package strategy

import "providerlb/provider"

// RoundRobin cycles through the eligible set in insertion order. It keeps
// an explicit order slice alongside the map so Next is O(1) and iteration
// order is stable between mutations — the immutable-snapshot-with-cursor
// redesign noted for this iterator, minus the actual immutability since
// the Dispatch Core already serializes every call with its own mutex.
//
// The cursor resets to 0 on every Include/Exclude. Fairness is only
// approximate, not a strict guarantee — this matches the observed
// behavior of the source this policy is modeled on.
type RoundRobin struct {
	order  []provider.ID
	items  map[provider.ID]Item
	cursor int
}

// NewRoundRobin creates an empty round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{items: make(map[provider.ID]Item)}
}

func (r *RoundRobin) HasNext() bool {
	return len(r.order) > 0
}

func (r *RoundRobin) Next() Item {
	id := r.order[r.cursor%len(r.order)]
	r.cursor++
	return r.items[id]
}

func (r *RoundRobin) Include(item Item) bool {
	if _, ok := r.items[item.ID]; ok {
		return false
	}
	r.items[item.ID] = item
	r.order = append(r.order, item.ID)
	r.cursor = 0
	return true
}

func (r *RoundRobin) Exclude(id provider.ID) bool {
	if _, ok := r.items[id]; !ok {
		return false
	}
	delete(r.items, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.cursor = 0
	return true
}
