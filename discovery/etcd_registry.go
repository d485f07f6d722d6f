// Package discovery provides an etcd-backed registry.Registry that mirrors
// a remote key prefix into an in-process registry.Memory.
//
// Each provider registration is a lease-backed key under
// /providerlb/{prefix}/{id}; losing the lease (process crash, network
// partition) causes etcd to expire the key and the mirror observes a
// Removed event without any explicit unregister call — this is how a
// dead process's providers get evicted from every other process's view.
//
// The balancer's Dispatch Core only ever talks to the registry.Registry
// interface, so it is unaware whether membership is local or mirrored
// from etcd.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"providerlb/provider"
	"providerlb/registry"
)

const keyPrefixFmt = "/providerlb/%s/"

// instanceRecord is the JSON payload stored for each provider key. It
// carries no behavior — Serve/Check can't cross a wire boundary — so the
// EtcdRegistry only mirrors *membership*; the actual Provider value used
// locally must be supplied by the caller via Register, the same way the
// in-memory registry requires one.
type instanceRecord struct {
	ID string `json:"id"`
}

// EtcdRegistry mirrors a remote etcd key prefix into a local
// registry.Memory, publishing local registrations to etcd and replaying
// remote deletions (including lease expiry) as Removed events. Remote
// additions are logged but not mirrored (see watchLoop).
type EtcdRegistry struct {
	client      *clientv3.Client
	mirror      *registry.Memory
	serviceName string
	ttlSeconds  int64
	logger      *zap.Logger

	mu      sync.Mutex
	leases  map[provider.ID]clientv3.LeaseID
	cancel  context.CancelFunc
	watchWG sync.WaitGroup
}

// Config configures an EtcdRegistry.
type Config struct {
	Endpoints    []string
	ServiceName  string
	MaxProviders int
	TTLSeconds   int64
	Logger       *zap.Logger
}

// New connects to etcd and returns an EtcdRegistry mirroring
// cfg.ServiceName's key prefix into a bounded local registry.Memory.
func New(cfg Config) (*EtcdRegistry, error) {
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := clientv3.New(clientv3.Config{Endpoints: cfg.Endpoints})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd: %w", err)
	}

	er := &EtcdRegistry{
		client:      c,
		mirror:      registry.New(cfg.MaxProviders, logger),
		serviceName: cfg.ServiceName,
		ttlSeconds:  cfg.TTLSeconds,
		logger:      logger,
		leases:      make(map[provider.ID]clientv3.LeaseID),
	}

	ctx, cancel := context.WithCancel(context.Background())
	er.cancel = cancel
	er.watchWG.Add(1)
	go er.watchLoop(ctx)

	return er, nil
}

func (er *EtcdRegistry) keyPrefix() string {
	return fmt.Sprintf(keyPrefixFmt, er.serviceName)
}

// Register publishes id to etcd under a fresh TTL lease and inserts the
// local provider.Provider value into the in-process mirror so Serve/Check
// calls have somewhere to go. Errors from the mirror (AlreadyRegistered,
// OutOfLimit) are returned without touching etcd.
func (er *EtcdRegistry) Register(id provider.ID, p provider.Provider) error {
	if err := er.mirror.Register(id, p); err != nil {
		return err
	}

	ctx := context.Background()
	lease, err := er.client.Grant(ctx, er.ttlSeconds)
	if err != nil {
		er.mirror.Unregister(id)
		return fmt.Errorf("discovery: grant lease for %s: %w", id, err)
	}

	val, err := json.Marshal(instanceRecord{ID: string(id)})
	if err != nil {
		er.mirror.Unregister(id)
		return err
	}

	key := er.keyPrefix() + string(id)
	if _, err := er.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		er.mirror.Unregister(id)
		return fmt.Errorf("discovery: put %s: %w", key, err)
	}

	ch, err := er.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		er.mirror.Unregister(id)
		return fmt.Errorf("discovery: keepalive %s: %w", id, err)
	}
	go func() {
		for range ch {
		}
	}()

	er.mu.Lock()
	er.leases[id] = lease.ID
	er.mu.Unlock()

	return nil
}

// Unregister removes id from etcd and from the local mirror.
func (er *EtcdRegistry) Unregister(id provider.ID) bool {
	key := er.keyPrefix() + string(id)
	if _, err := er.client.Delete(context.Background(), key); err != nil {
		er.logger.Warn("discovery: delete failed", zap.String("provider_id", string(id)), zap.Error(err))
	}

	er.mu.Lock()
	delete(er.leases, id)
	er.mu.Unlock()

	return er.mirror.Unregister(id)
}

// Subscribe delegates to the local mirror — the watch loop keeps that
// mirror in sync with etcd, so subscribers see remote changes too.
func (er *EtcdRegistry) Subscribe(h registry.Handler) registry.Subscription {
	return er.mirror.Subscribe(h)
}

// Close stops the watch loop and the underlying etcd client connection.
func (er *EtcdRegistry) Close() error {
	er.cancel()
	er.watchWG.Wait()
	return er.client.Close()
}

// watchLoop observes remote deletions (lease expiry from a crashed peer,
// or a direct Delete from another process) and reflects them into the
// local mirror. Remote *additions* can't be replayed automatically
// because the mirror needs a real provider.Provider value with working
// Serve/Check methods, which etcd cannot carry — a remote Put only logs
// a notice that a peer advertised a new instance.
func (er *EtcdRegistry) watchLoop(ctx context.Context) {
	defer er.watchWG.Done()

	watchChan := er.client.Watch(ctx, er.keyPrefix(), clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchChan:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				er.handleRemoteEvent(ev)
			}
		}
	}
}

func (er *EtcdRegistry) handleRemoteEvent(ev *clientv3.Event) {
	key := string(ev.Kv.Key)
	id := provider.ID(key[len(er.keyPrefix()):])

	switch ev.Type {
	case clientv3.EventTypeDelete:
		er.mu.Lock()
		_, ownLease := er.leases[id]
		delete(er.leases, id)
		er.mu.Unlock()
		if ownLease {
			// Already removed through our own Unregister path.
			return
		}
		if er.mirror.Unregister(id) {
			er.logger.Info("discovery: remote provider expired", zap.String("provider_id", string(id)))
		}
	case clientv3.EventTypePut:
		er.mu.Lock()
		_, ownLease := er.leases[id]
		er.mu.Unlock()
		if !ownLease {
			er.logger.Info("discovery: peer advertised provider (not mirrored locally, no Provider value available)",
				zap.String("provider_id", string(id)))
		}
	}
}
