// Command demo wires a Balancer over a set of synthetic providers and
// exposes it through the admin listener: one composition root dialing
// together registry, balancer, and admin listener into a runnable process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"providerlb/admin"
	"providerlb/balancer"
	"providerlb/discovery"
	"providerlb/heartbeat"
	"providerlb/limiter"
	"providerlb/obslog"
	"providerlb/provider"
	"providerlb/ratelimit"
	"providerlb/registry"
	"providerlb/strategy"
)

func main() {
	var (
		numProviders      = flag.Int("providers", 4, "number of synthetic providers to register")
		adminAddr         = flag.String("admin-addr", "127.0.0.1:7070", "address for the admin/introspection listener")
		strategyName      = flag.String("strategy", "round-robin", "dispatch strategy: round-robin, random, weighted, consistent-hash")
		maxCalls          = flag.Int64("max-calls", 8, "per-provider concurrent call limit")
		heartbeatInterval = flag.Duration("heartbeat-interval", 2*time.Second, "interval between liveness probes")
		debounceRounds    = flag.Int("debounce-rounds", 3, "consecutive healthy probe rounds required before a dead provider is reported alive again")
		rateLimit         = flag.Float64("rate-limit", 0, "per-provider token-bucket rate in calls/sec; 0 disables shaping")
		rateBurst         = flag.Int("rate-burst", 1, "token-bucket burst size when -rate-limit is set")
		probeRateLimit    = flag.Float64("probe-rate-limit", 0, "aggregate heartbeat probes/sec across all providers; 0 disables throttling")
		probeRateBurst    = flag.Int("probe-rate-burst", 1, "burst size when -probe-rate-limit is set")
		useEtcd           = flag.Bool("etcd", false, "mirror provider membership from etcd instead of an in-process registry")
		etcdEndpoints     = flag.String("etcd-endpoints", "127.0.0.1:2379", "comma-separated etcd endpoints")
		serviceName       = flag.String("service-name", "demo", "etcd key-prefix service name, only used with -etcd")
		dev               = flag.Bool("dev", true, "use the development (console) logger instead of production JSON logging")
	)
	flag.Parse()

	logger, err := buildLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg, closeReg, err := buildRegistry(*useEtcd, *etcdEndpoints, *serviceName, *numProviders, logger)
	if err != nil {
		logger.Fatal("failed to build registry", zap.Error(err))
	}
	defer closeReg()

	strat, err := buildStrategy(*strategyName)
	if err != nil {
		logger.Fatal("invalid strategy", zap.Error(err))
	}

	limiterFactory := func() limiter.Limiter {
		base := limiter.NewCounting(*maxCalls)
		if *rateLimit <= 0 {
			return base
		}
		return ratelimit.New(base, *rateLimit, *rateBurst)
	}

	bal := balancer.New(reg, balancer.Config{
		MaxProviders:      *numProviders,
		Strategy:          strat,
		HeartbeatInterval: *heartbeatInterval,
		DebounceFactory:   heartbeat.AliveAfterRounds(*debounceRounds),
		LimiterFactory:    limiterFactory,
		ProbeRateLimit:    *probeRateLimit,
		ProbeRateBurst:    *probeRateBurst,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bal.Start(ctx); err != nil {
		logger.Fatal("failed to start balancer", zap.Error(err))
	}

	if err := registerStubs(reg, *numProviders); err != nil {
		logger.Fatal("failed to register providers", zap.Error(err))
	}

	adminSrv := admin.New(bal, logger)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("admin listener starting", zap.String("addr", *adminAddr))
		serveErr <- adminSrv.Serve("tcp", *adminAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("admin listener exited", zap.Error(err))
		}
	}

	if err := adminSrv.Shutdown(5 * time.Second); err != nil {
		logger.Warn("admin shutdown did not finish cleanly", zap.Error(err))
	}
	if err := bal.Stop(); err != nil && !errors.Is(err, balancer.ErrNotStarted) {
		logger.Warn("balancer stop failed", zap.Error(err))
	}
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return obslog.Development()
	}
	return obslog.New()
}

func buildRegistry(useEtcd bool, endpoints, serviceName string, maxProviders int, logger *zap.Logger) (registry.Registry, func(), error) {
	if !useEtcd {
		return registry.New(maxProviders, logger), func() {}, nil
	}

	er, err := discovery.New(discovery.Config{
		Endpoints:    strings.Split(endpoints, ","),
		ServiceName:  serviceName,
		MaxProviders: maxProviders,
		TTLSeconds:   10,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect etcd: %w", err)
	}
	return er, func() { er.Close() }, nil
}

func buildStrategy(name string) (strategy.Strategy, error) {
	switch name {
	case "round-robin":
		return strategy.NewRoundRobin(), nil
	case "random":
		return strategy.NewRandom(rand.New(rand.NewSource(time.Now().UnixNano()))), nil
	case "weighted":
		return strategy.NewWeightedRandom(rand.New(rand.NewSource(time.Now().UnixNano()))), nil
	case "consistent-hash":
		return strategy.NewConsistentHash(), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

func registerStubs(reg registry.Registry, n int) error {
	for i := 0; i < n; i++ {
		id := provider.ID(fmt.Sprintf("provider-%d", i))
		delay := time.Duration(10+i*5) * time.Millisecond
		if err := reg.Register(id, provider.NewStub(id, delay)); err != nil {
			return err
		}
	}
	return nil
}
