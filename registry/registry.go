// Package registry implements the bounded, subscribable provider
// membership set.
//
// Registration is serialized: at most one Register/Unregister is in
// flight at a time. Subscribers receive an atomic snapshot at subscribe
// time followed by every subsequent Added/Removed event, strictly
// ordered, with no event ever both included in the snapshot and
// delivered again, and none dropped. Fan-out to each subscriber runs
// through a dedicated unbounded queue and consumer goroutine, so one
// slow or panicking handler never blocks another subscriber, and
// enqueueing an event never blocks the mutating Register/Unregister call
// that produced it.
//
// Delivery to a subscriber's queue is held back until the caller invokes
// Subscription.Start. This lets a caller finish processing Initial (e.g.
// admitting every provider in the snapshot) before the first queued
// event can reach its handler, closing the race where an event for a
// snapshot member arrives and is processed before the caller has
// finished bootstrapping that same member.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"providerlb/provider"
)

// ErrAlreadyRegistered is returned by Register when id is already present.
var ErrAlreadyRegistered = errors.New("registry: id already registered")

// ErrOutOfLimit is returned by Register when the registry is at capacity.
var ErrOutOfLimit = errors.New("registry: at maxProviders limit")

// RegistrationError wraps ErrAlreadyRegistered/ErrOutOfLimit with the
// offending id for diagnostics, while remaining errors.Is-compatible with
// the sentinels above.
type RegistrationError struct {
	ID  provider.ID
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registry: %s: %v", e.ID, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// EventKind distinguishes the two event variants a Registry emits.
type EventKind int

const (
	// Added is emitted after a successful Register.
	Added EventKind = iota
	// Removed is emitted after a successful Unregister, carrying the
	// provider value that was removed so subscribers can clean up
	// per-provider state without a second lookup.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is the tagged variant delivered to subscribers.
type Event struct {
	Kind     EventKind
	ID       provider.ID
	Provider provider.Provider
}

// Handler receives registry events in FIFO, registry-mutation order.
type Handler func(Event)

// Subscription is the handle returned by Subscribe: the atomic snapshot
// captured at subscribe time, a Start function that releases queued
// events to the handler, and a Cancel function that stops further
// delivery.
type Subscription struct {
	Initial map[provider.ID]provider.Provider
	Start   func()
	Cancel  func()
}

// Registry is the bounded, subscribable provider membership set.
type Registry interface {
	Register(id provider.ID, p provider.Provider) error
	Unregister(id provider.ID) bool
	Subscribe(h Handler) Subscription
}

// subscriber is one registered handler's delivery pipeline: an unbounded
// queue plus a dedicated consumer goroutine, isolating slow or panicking
// handlers from the rest of the fan-out and from the registry's own
// mutating calls. The queue is a plain slice guarded by a mutex/cond
// rather than a bounded channel, so enqueue is an append-and-signal that
// never blocks no matter how far behind the consumer has fallen.
//
// Delivery is gated behind ready: the consumer goroutine parks until
// start() is called, so nothing queued before that point reaches the
// handler early.
type subscriber struct {
	id     int
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Event
	closed bool

	ready      chan struct{}
	done       chan struct{}
	startOnce  sync.Once
	cancelOnce sync.Once
}

func newSubscriber(id int, h Handler, logger *zap.Logger) *subscriber {
	s := &subscriber{
		id:     id,
		logger: logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run(h)
	return s
}

func (s *subscriber) run(h Handler) {
	defer close(s.done)
	<-s.ready

	for {
		s.mu.Lock()
		for len(s.buf) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.buf) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()

		s.deliver(h, ev)
	}
}

// deliver invokes the handler with panic isolation: one failing handler
// must not prevent others from receiving the event, nor crash the
// registry.
func (s *subscriber) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("registry: subscriber handler panicked",
				zap.Int("subscriber_id", s.id),
				zap.String("event_kind", ev.Kind.String()),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}

// enqueue appends ev to the unbounded buffer and wakes the consumer.
// Never blocks, so a subscriber arbitrarily far behind can't stall the
// Register/Unregister call holding the registry's mutex.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
	s.cond.Signal()
}

// start releases any events queued so far, and any queued afterward, to
// the consumer goroutine. Safe to call more than once; only the first
// call has an effect.
func (s *subscriber) start() {
	s.startOnce.Do(func() { close(s.ready) })
}

// cancel stops delivery once the buffer already queued has drained. It
// also releases ready so a subscriber cancelled before ever being
// started can still observe closed and exit instead of leaking its
// goroutine.
func (s *subscriber) cancel() {
	s.cancelOnce.Do(func() {
		s.start()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Signal()
	})
}

// Memory is the in-memory Registry implementation: the authoritative
// bounded membership set described by the core contract.
type Memory struct {
	mu           sync.Mutex
	maxProviders int
	providers    map[provider.ID]provider.Provider
	subs         map[int]*subscriber
	nextSubID    int
	logger       *zap.Logger
}

// New creates a Memory registry bounded to maxProviders entries.
func New(maxProviders int, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		maxProviders: maxProviders,
		providers:    make(map[provider.ID]provider.Provider),
		subs:         make(map[int]*subscriber),
		logger:       logger,
	}
}

// Register inserts id→p and emits Added to every current subscriber.
// Returns ErrAlreadyRegistered if id is present, ErrOutOfLimit if the
// registry is at capacity. Emission happens while the registry lock is
// held for mutation, but delivery to each subscriber is queued
// asynchronously — Register returns once every subscriber's queue has
// accepted the event, not once every handler has finished running.
func (r *Memory) Register(id provider.ID, p provider.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[id]; ok {
		return &RegistrationError{ID: id, Err: ErrAlreadyRegistered}
	}
	if len(r.providers) >= r.maxProviders {
		return &RegistrationError{ID: id, Err: ErrOutOfLimit}
	}

	r.providers[id] = p
	r.emit(Event{Kind: Added, ID: id, Provider: p})
	r.logger.Debug("registry: registered", zap.String("provider_id", string(id)))
	return nil
}

// Unregister removes id if present, emitting Removed carrying the
// removed provider value. Returns whether id existed.
func (r *Memory) Unregister(id provider.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return false
	}
	delete(r.providers, id)
	r.emit(Event{Kind: Removed, ID: id, Provider: p})
	r.logger.Debug("registry: unregistered", zap.String("provider_id", string(id)))
	return true
}

// Subscribe atomically captures the current mapping as the initial
// snapshot, registers h to receive every subsequent event, and returns.
// Events concurrent with Subscribe are either reflected in the snapshot
// or delivered afterward, never both and never neither, because the
// snapshot copy and subscriber registration happen under the same lock
// that serializes Register/Unregister.
//
// No event reaches h until the caller invokes Subscription.Start — events
// for providers in Initial may already be queued by the time Subscribe
// returns, and delivering them before the caller has finished processing
// Initial would let a handler observe, say, a Removed for an id the
// caller hasn't admitted yet and treat it as a no-op, permanently
// stranding that id. Calling Start once Initial has been fully processed
// makes that bootstrap happen-before any queued event's delivery.
func (r *Memory) Subscribe(h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[provider.ID]provider.Provider, len(r.providers))
	for id, p := range r.providers {
		snapshot[id] = p
	}

	id := r.nextSubID
	r.nextSubID++
	sub := newSubscriber(id, h, r.logger)
	r.subs[id] = sub

	return Subscription{
		Initial: snapshot,
		Start:   sub.start,
		Cancel: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if s, ok := r.subs[id]; ok {
				delete(r.subs, id)
				s.cancel()
			}
		},
	}
}

// emit fans the event out to every current subscriber's queue. Called
// only while r.mu is held, so the subscriber list can't change mid-fanout.
func (r *Memory) emit(ev Event) {
	for _, s := range r.subs {
		s.enqueue(ev)
	}
}

// Size returns the current number of registered providers.
func (r *Memory) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}
