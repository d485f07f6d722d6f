// Package test holds end-to-end tests that exercise the full stack:
// registry → balancer (strategy + limiter + heartbeat) → admin listener →
// adminclient, wire to wire.
package test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"providerlb/admin"
	"providerlb/adminclient"
	"providerlb/balancer"
	"providerlb/codec"
	"providerlb/heartbeat"
	"providerlb/limiter"
	"providerlb/provider"
	"providerlb/registry"
	"providerlb/strategy"
)

func startStack(t *testing.T, cfg balancer.Config, ids ...provider.ID) (*balancer.Balancer, *registry.Memory, string) {
	t.Helper()
	reg := registry.New(len(ids)+1, nil)
	for _, id := range ids {
		if err := reg.Register(id, provider.NewStub(id, 0)); err != nil {
			t.Fatal(err)
		}
	}
	cfg.MaxProviders = len(ids) + 1
	b := balancer.New(reg, cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Stop() })

	srv := admin.New(b, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	listener.Close() // Serve binds the address itself
	go srv.Serve("tcp", listener.Addr().String())
	t.Cleanup(func() { srv.Shutdown(3 * time.Second) })

	return b, reg, listener.Addr().String()
}

// TestFullStackRoundRobinOverAdminProtocol drives dispatch selection entirely
// through the wire protocol: an adminclient asks the admin listener for
// Get() repeatedly and should observe round-robin rotation across providers.
func TestFullStackRoundRobinOverAdminProtocol(t *testing.T) {
	_, _, addr := startStack(t, balancer.Config{
		Strategy: strategy.NewRoundRobin(),
	}, "A", "B")
	time.Sleep(50 * time.Millisecond)

	cli := adminclient.New(addr, codec.CodecTypeJSON, 4)

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		id, err := cli.Get()
		if err != nil {
			t.Fatal(err)
		}
		seen[id]++
	}
	if seen["A"] == 0 || seen["B"] == 0 {
		t.Fatalf("expected both providers to be dispatched, got %v", seen)
	}
}

// TestFullStackExcludesDeadProvider registers two providers, one of which
// fails its health probe, and verifies the admin listener's Stats() reflects
// the resulting eligibility drop.
func TestFullStackExcludesDeadProvider(t *testing.T) {
	bStub := provider.NewStub("B", 0)
	bStub.Healthy = func() bool { return false }

	reg := registry.New(4, nil)
	if err := reg.Register("A", provider.NewStub("A", 0)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("B", bStub); err != nil {
		t.Fatal(err)
	}

	b := balancer.New(reg, balancer.Config{
		MaxProviders:      4,
		HeartbeatInterval: 5 * time.Millisecond,
		DebounceFactory:   heartbeat.AliveAfterRounds(1),
		LimiterFactory:    func() limiter.Limiter { return limiter.NewCounting(10) },
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	srv := admin.New(b, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	listener.Close() // Serve binds the address itself
	go srv.Serve("tcp", listener.Addr().String())
	defer srv.Shutdown(3 * time.Second)
	time.Sleep(50 * time.Millisecond)

	cli := adminclient.New(listener.Addr().String(), codec.CodecTypeBinary, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := cli.Stats()
		if err != nil {
			t.Fatal(err)
		}
		if stats.EligibleProviders == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("B was never excluded; stats=%+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestFullStackCapacityRejectionSurfacesOverWire drives a saturation
// rejection through the admin protocol: a single-slot provider rejects a
// second concurrent Get() with ErrCapacityLimit's message text.
func TestFullStackCapacityRejectionSurfacesOverWire(t *testing.T) {
	block := make(chan struct{})
	reg := registry.New(4, nil)
	if err := reg.Register("A", &blockingProvider{id: "A", block: block}); err != nil {
		t.Fatal(err)
	}

	b := balancer.New(reg, balancer.Config{
		MaxProviders:      4,
		HeartbeatInterval: time.Hour,
		LimiterFactory:    func() limiter.Limiter { return limiter.NewCounting(1) },
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	srv := admin.New(b, nil)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	listener.Close() // Serve binds the address itself
	go srv.Serve("tcp", listener.Addr().String())
	defer srv.Shutdown(3 * time.Second)
	time.Sleep(50 * time.Millisecond)

	cli := adminclient.New(listener.Addr().String(), codec.CodecTypeJSON, 2)

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.Get()
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = cli.Get()
	if err == nil || !strings.Contains(err.Error(), balancer.ErrCapacityLimit.Error()) {
		t.Fatalf("expected capacity rejection on second concurrent Get, got %v", err)
	}

	close(block)
	if err := <-errCh; err != nil {
		t.Fatalf("expected the first Get to succeed, got %v", err)
	}
}

type blockingProvider struct {
	id    provider.ID
	block chan struct{}
}

func (b *blockingProvider) Serve(ctx context.Context) (string, error) {
	<-b.block
	return string(b.id), nil
}

func (b *blockingProvider) Check(ctx context.Context) (bool, error) { return true, nil }
