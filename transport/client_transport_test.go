package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"providerlb/admin"
	"providerlb/balancer"
	"providerlb/codec"
	"providerlb/protocol"
	"providerlb/provider"
	"providerlb/registry"
)

func startAdminServer(t *testing.T, n int) (*admin.Server, net.Listener) {
	t.Helper()
	reg := registry.New(n+1, nil)
	for i := 0; i < n; i++ {
		id := provider.ID(string(rune('A' + i)))
		if err := reg.Register(id, provider.NewStub(id, 0)); err != nil {
			t.Fatal(err)
		}
	}
	b := balancer.New(reg, balancer.Config{MaxProviders: n + 1})
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
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, listener
}

// TestClientTransportSerial sends several requests in sequence over one connection.
func TestClientTransportSerial(t *testing.T) {
	_, listener := startAdminServer(t, 1)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	ct := NewClientTransport(conn, codec.CodecTypeJSON)

	for i := 0; i < 3; i++ {
		_, ch, err := ct.Send(protocol.CommandStats, nil)
		if err != nil {
			t.Fatal(err)
		}

		resp := <-ch
		if resp.Error != "" {
			t.Fatalf("server error: %s", resp.Error)
		}

		var stats balancer.Stats
		if err := json.Unmarshal(resp.Payload, &stats); err != nil {
			t.Fatal(err)
		}
		if stats.TotalProviders != 1 {
			t.Fatalf("expect 1 provider, got %d", stats.TotalProviders)
		}
	}
}

// TestClientTransportConcurrent exercises the multiplexing core: many
// in-flight commands on one connection, each routed back to its caller.
func TestClientTransportConcurrent(t *testing.T) {
	_, listener := startAdminServer(t, 1)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	ct := NewClientTransport(conn, codec.CodecTypeJSON)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, ch, err := ct.Send(protocol.CommandStats, nil)
			if err != nil {
				t.Errorf("send failed: %v", err)
				return
			}

			resp := <-ch
			if resp.Error != "" {
				t.Errorf("server error: %s", resp.Error)
				return
			}

			var stats balancer.Stats
			if err := json.Unmarshal(resp.Payload, &stats); err != nil {
				t.Errorf("unmarshal failed: %v", err)
			}
		}()
	}

	wg.Wait()
}
