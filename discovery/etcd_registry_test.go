package discovery

import (
	"testing"
	"time"

	"providerlb/provider"
	"providerlb/registry"
)

// newTestRegistry connects to a local etcd instance and skips the test
// if one isn't reachable — these tests exercise the real wire protocol
// and are meant to run against `etcd --data-dir=...` in CI, not a mock.
func newTestRegistry(t *testing.T, service string) *EtcdRegistry {
	t.Helper()
	er, err := New(Config{
		Endpoints:    []string{"localhost:2379"},
		ServiceName:  service,
		MaxProviders: 8,
		TTLSeconds:   5,
	})
	if err != nil {
		t.Skipf("no etcd reachable at localhost:2379: %v", err)
	}
	t.Cleanup(func() { er.Close() })
	return er
}

func TestEtcdRegistryRegisterUnregister(t *testing.T) {
	er := newTestRegistry(t, "providerlb-test-register")

	if err := er.Register("A", provider.NewStub("A", 0)); err != nil {
		t.Fatal(err)
	}
	if err := er.Register("B", provider.NewStub("B", 0)); err != nil {
		t.Fatal(err)
	}
	if er.mirror.Size() != 2 {
		t.Fatalf("expected 2 mirrored providers, got %d", er.mirror.Size())
	}

	if ok := er.Unregister("A"); !ok {
		t.Fatal("expected A to have existed")
	}
	if er.mirror.Size() != 1 {
		t.Fatalf("expected 1 mirrored provider after unregister, got %d", er.mirror.Size())
	}

	er.Unregister("B")
}

func TestEtcdRegistrySubscribeSeesOwnUnregister(t *testing.T) {
	er := newTestRegistry(t, "providerlb-test-subscribe")

	if err := er.Register("A", provider.NewStub("A", 0)); err != nil {
		t.Fatal(err)
	}

	removed := make(chan provider.ID, 1)
	er.Subscribe(func(ev registry.Event) {
		if ev.Kind == registry.Removed {
			removed <- ev.ID
		}
	}).Start()

	er.Unregister("A")

	select {
	case id := <-removed:
		if id != "A" {
			t.Fatalf("expected Removed(A), got Removed(%s)", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Removed event")
	}
}
