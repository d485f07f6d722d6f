// Package balancer implements the Dispatch Core: the component that owns
// the eligible set of providers under concurrent mutation from three
// asynchronous sources — registry membership events, heartbeat status
// transitions, and call-limiter rejections — and hands one provider per
// request to a pluggable Strategy.
//
// Eligibility is tracked per §9's recommended redesign: a reason set per
// provider rather than a single membership flag. A provider is eligible
// iff its reason set is empty; the heartbeat and the limiter each own one
// token in that set, so a late re-admission from one source can never
// resurrect a provider another source has independently excluded. A
// registry removal drops the provider from bookkeeping entirely.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"providerlb/heartbeat"
	"providerlb/limiter"
	"providerlb/provider"
	"providerlb/registry"
	"providerlb/strategy"
)

// reasonSource identifies which feedback loop excluded a provider.
// Registry absence isn't tracked as a reason: a provider missing from the
// registry mirror is removed from bookkeeping entirely, not merely
// flagged.
type reasonSource int

const (
	reasonHeartbeat reasonSource = iota
	reasonLimiter
)

// Config configures a Balancer at construction time.
type Config struct {
	// MaxProviders bounds the registry this balancer expects to observe.
	// Purely informational here — the registry itself enforces the
	// bound; kept on Config so callers can construct registry and
	// balancer from one shared value.
	MaxProviders int

	// Strategy is the selection policy. Defaults to strategy.NewRoundRobin().
	Strategy strategy.Strategy

	// HeartbeatInterval is the sleep between probes. Defaults to 5s.
	HeartbeatInterval time.Duration

	// DebounceFactory builds a fresh heartbeat.DebouncePolicy per
	// provider. Defaults to heartbeat.AliveAfterRounds(3).
	DebounceFactory func() heartbeat.DebouncePolicy

	// LimiterFactory builds a fresh limiter.Limiter per provider.
	// Defaults to limiter.NewCounting(16).
	LimiterFactory func() limiter.Limiter

	// ProbeRateLimit, when > 0, caps the aggregate number of heartbeat
	// probes per second issued across every tracked provider, smoothing
	// the probe storm that a large registry would otherwise produce once
	// per HeartbeatInterval. ProbeRateBurst defaults to 1 if unset.
	ProbeRateLimit float64
	ProbeRateBurst int

	// Rand is not read by the Balancer: the default Strategy is
	// round-robin, which needs no random source, and a seeded strategy
	// takes its source at construction (strategy.NewRandom).
	Rand *rand.Rand

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Strategy == nil {
		c.Strategy = strategy.NewRoundRobin()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DebounceFactory == nil {
		c.DebounceFactory = heartbeat.AliveAfterRounds(3)
	}
	if c.LimiterFactory == nil {
		c.LimiterFactory = func() limiter.Limiter { return limiter.NewCounting(16) }
	}
	if c.ProbeRateLimit > 0 && c.ProbeRateBurst <= 0 {
		c.ProbeRateBurst = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Balancer is the Dispatch Core.
type Balancer struct {
	cfg Config
	reg registry.Registry

	mu              sync.Mutex
	started         bool
	mirror          map[provider.ID]provider.Provider
	reasons         map[provider.ID]map[reasonSource]struct{}
	limiters        map[provider.ID]limiter.Limiter
	heartbeatCancel map[provider.ID]func()

	heartbeatCtrl *heartbeat.Controller
	subscription  registry.Subscription
	rootCtx       context.Context
	rootCancel    context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a Balancer dispatching over reg's membership, unconfigured
// fields falling back to Config's defaults.
func New(reg registry.Registry, cfg Config) *Balancer {
	cfg.setDefaults()
	return &Balancer{
		cfg:             cfg,
		reg:             reg,
		mirror:          make(map[provider.ID]provider.Provider),
		reasons:         make(map[provider.ID]map[reasonSource]struct{}),
		limiters:        make(map[provider.ID]limiter.Limiter),
		heartbeatCancel: make(map[provider.ID]func()),
	}
}

// Start subscribes to the registry, admits every provider in the initial
// snapshot, and begins dispatching. Not safe to call twice: a second call
// returns ErrAlreadyStarted rather than re-subscribing.
//
// Subscribe's delivery is held back until every initial provider has been
// admitted (Subscription.Start), so an event for a provider in the
// snapshot can never reach handleRegistryEvent before admit() has run for
// that same provider. Without that ordering, a provider unregistered the
// instant after Subscribe returns could have its Removed event processed
// by a still-unadmitted balancer — evict() would be a no-op, and since no
// further Removed event is coming, the provider would stay admitted
// forever despite having left the registry.
func (b *Balancer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.rootCtx, b.rootCancel = context.WithCancel(ctx)
	b.heartbeatCtrl = heartbeat.New(b.cfg.HeartbeatInterval, b.cfg.DebounceFactory)
	if b.cfg.ProbeRateLimit > 0 {
		b.heartbeatCtrl.WithProbeRateLimit(b.cfg.ProbeRateLimit, b.cfg.ProbeRateBurst)
	}
	b.mu.Unlock()

	sub := b.reg.Subscribe(b.handleRegistryEvent)
	b.mu.Lock()
	b.subscription = sub
	b.mu.Unlock()

	for id, p := range sub.Initial {
		b.admit(id, p)
	}
	sub.Start()

	b.cfg.Logger.Info("balancer: started", zap.Int("initial_providers", len(sub.Initial)))
	return nil
}

// Stop cancels the subscription, cancels every heartbeat task, cancels
// pending re-admission waiters, and waits for them to finish. Admitted
// Serve calls in flight are not cancelled — the caller that received the
// future owns that lifetime.
func (b *Balancer) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	b.started = false
	sub := b.subscription
	cancels := make([]func(), 0, len(b.heartbeatCancel))
	for _, c := range b.heartbeatCancel {
		cancels = append(cancels, c)
	}
	b.heartbeatCancel = make(map[provider.ID]func())
	rootCancel := b.rootCancel
	b.mu.Unlock()

	if sub.Cancel != nil {
		sub.Cancel()
	}
	rootCancel()
	for _, c := range cancels {
		c()
	}
	b.wg.Wait()

	b.cfg.Logger.Info("balancer: stopped")
	return nil
}

// Get selects a provider via the configured Strategy and dispatches one
// call to it through that provider's Limiter.
func (b *Balancer) Get(ctx context.Context) (string, error) {
	b.mu.Lock()
	if !b.cfg.Strategy.HasNext() {
		b.mu.Unlock()
		return "", ErrNoProvidersAvailable
	}
	item := b.cfg.Strategy.Next()
	lim, ok := b.limiters[item.ID]
	b.mu.Unlock()

	if !ok {
		// A provider selectable by the strategy with no limiter is an
		// internal invariant violation, not a runtime condition a
		// caller can recover from.
		panic(fmt.Sprintf("balancer: invariant violated: no limiter registered for provider %s", item.ID))
	}

	decision := lim.WithLimit(ctx, func(ctx context.Context) (string, error) {
		return item.Provider.Serve(ctx)
	})

	if decision.Rejected {
		b.onCapacityRejected(item, decision.ReleaseSignal)
		return "", ErrCapacityLimit
	}

	select {
	case outcome := <-decision.Admitted:
		if outcome.Err != nil {
			if errors.Is(outcome.Err, context.Canceled) {
				return "", outcome.Err
			}
			return "", &ProviderFailureError{ID: string(item.ID), Err: outcome.Err}
		}
		return outcome.Value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stats returns a point-in-time snapshot of balancer state, for the
// optional admin/introspection surface.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		TotalProviders: len(b.mirror),
		Providers:      make([]ProviderStats, 0, len(b.mirror)),
	}
	for id := range b.mirror {
		excluded := len(b.reasons[id]) > 0
		if !excluded {
			s.EligibleProviders++
		}
		inFlight := int64(0)
		saturated := false
		if lim, ok := b.limiters[id]; ok {
			inFlight = lim.InFlight()
			saturated = lim.Saturated()
		}
		s.Providers = append(s.Providers, ProviderStats{
			ID:        string(id),
			Eligible:  !excluded,
			InFlight:  inFlight,
			Saturated: saturated,
		})
	}
	return s
}

// admit inserts id into the mirror, starts its heartbeat watch, creates
// its limiter, and includes it in the strategy's eligible set.
func (b *Balancer) admit(id provider.ID, p provider.Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mirror[id] = p
	b.reasons[id] = make(map[reasonSource]struct{})
	b.cfg.Strategy.Include(strategy.Item{ID: id, Provider: p, Weight: 1})
	b.limiters[id] = b.cfg.LimiterFactory()

	cancel := b.heartbeatCtrl.Watch(b.rootCtx, p, func(status heartbeat.Status) {
		b.onHeartbeatTransition(id, status)
	})
	b.heartbeatCancel[id] = cancel

	b.cfg.Logger.Debug("balancer: admitted provider", zap.String("provider_id", string(id)))
}

// evict removes id from every table and excludes it from the strategy,
// then cancels and joins its heartbeat task outside the mutex. Releasing
// the mutex before the join is deliberate: the heartbeat task's
// onTransition callback needs the same mutex, so joining while holding it
// risks the exact reentrant-lock deadlock flagged for this design.
func (b *Balancer) evict(id provider.ID) {
	b.mu.Lock()
	delete(b.mirror, id)
	delete(b.reasons, id)
	delete(b.limiters, id)
	b.cfg.Strategy.Exclude(id)
	cancel, ok := b.heartbeatCancel[id]
	delete(b.heartbeatCancel, id)
	b.mu.Unlock()

	if ok {
		cancel()
	}

	b.cfg.Logger.Debug("balancer: evicted provider", zap.String("provider_id", string(id)))
}

// handleRegistryEvent is the registry subscription handler: admit on
// Added, evict on Removed.
func (b *Balancer) handleRegistryEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.Added:
		b.admit(ev.ID, ev.Provider)
	case registry.Removed:
		b.evict(ev.ID)
	}
}

// onHeartbeatTransition is invoked by the heartbeat goroutine on every
// Alive/Dead transition. It is idempotent with respect to eviction: if
// the provider is no longer in the mirror, the transition is dropped.
func (b *Balancer) onHeartbeatTransition(id provider.ID, status heartbeat.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.mirror[id]; !ok {
		return
	}
	if status == heartbeat.Dead {
		b.addReasonLocked(id, reasonHeartbeat)
	} else {
		b.removeReasonLocked(id, reasonHeartbeat)
	}
}

// onCapacityRejected marks item excluded for the limiter reason and
// spawns a background task that waits for the release signal (or root
// cancellation) and then clears the reason — re-including item in the
// strategy only if no other reason still excludes it.
func (b *Balancer) onCapacityRejected(item strategy.Item, releaseSignal <-chan struct{}) {
	b.mu.Lock()
	b.addReasonLocked(item.ID, reasonLimiter)
	rootCtx := b.rootCtx
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-releaseSignal:
		case <-rootCtx.Done():
			return
		}
		b.mu.Lock()
		b.removeReasonLocked(item.ID, reasonLimiter)
		b.mu.Unlock()
	}()
}

// addReasonLocked adds r to id's reason set, excluding id from the
// strategy the moment the set transitions from empty to non-empty.
// Callers must hold b.mu.
func (b *Balancer) addReasonLocked(id provider.ID, r reasonSource) {
	set, ok := b.reasons[id]
	if !ok {
		return // already fully evicted
	}
	if _, exists := set[r]; exists {
		return
	}
	wasEligible := len(set) == 0
	set[r] = struct{}{}
	if wasEligible {
		b.cfg.Strategy.Exclude(id)
	}
}

// removeReasonLocked removes r from id's reason set, re-including id in
// the strategy only if the set becomes empty — i.e. no other source is
// still excluding it. Callers must hold b.mu.
func (b *Balancer) removeReasonLocked(id provider.ID, r reasonSource) {
	set, ok := b.reasons[id]
	if !ok {
		return // evicted while we were waiting
	}
	if _, exists := set[r]; !exists {
		return
	}
	delete(set, r)
	if len(set) == 0 {
		if p, ok := b.mirror[id]; ok {
			b.cfg.Strategy.Include(strategy.Item{ID: id, Provider: p, Weight: 1})
		}
	}
}
