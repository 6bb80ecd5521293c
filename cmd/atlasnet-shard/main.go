// Command atlasnet-shard runs one AtlasNet shard process: it loads
// configuration, wires the shared kvstore, spatial heuristic, packet bus,
// and debug entity simulator into a HandoffRuntime, and drives it on a
// fixed-rate tick loop until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlasnet/atlasnet/config"
	"github.com/atlasnet/atlasnet/pkg/geo"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/kvstore"
	"github.com/atlasnet/atlasnet/pkg/logger"
	"github.com/atlasnet/atlasnet/pkg/manifest"
	"github.com/atlasnet/atlasnet/pkg/packet"
	"github.com/atlasnet/atlasnet/pkg/planner"
	"github.com/atlasnet/atlasnet/pkg/runtime"
	"github.com/atlasnet/atlasnet/pkg/simulator"
	"github.com/atlasnet/atlasnet/pkg/telemetry"
	"github.com/atlasnet/atlasnet/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		for k, v := range version.Info() {
			fmt.Printf("%s: %s\n", k, v)
		}
		return
	}

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atlasnet-shard: config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.SetGlobal(log)

	self, err := resolveSelf(cfg.Shard.ID)
	if err != nil {
		log.Error("atlasnet-shard: invalid shard id", "error", err)
		os.Exit(1)
	}
	log.Info("atlasnet-shard: starting", "self", self.String(), "version", version.Version)

	store, closeStore, err := buildStore(cfg.Store)
	if err != nil {
		log.Error("atlasnet-shard: store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	heuristic := buildHeuristic(cfg.Heuristic)
	man := manifest.New(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := man.PushHeuristic(ctx, heuristic); err != nil {
		log.Warn("atlasnet-shard: failed to push heuristic (another shard may already own it)", "error", err)
	}

	bus := packet.NewBus()
	hub := packet.NewMemoryHub()
	transport := packet.Transport(hub.NewTransport())
	if cfg.Store.Type == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		transport = packet.NewRedisTransport(client, "atlasnet:packets:")
	}

	sim, worldBounds := buildSimulator(cfg.Simulator, man)

	resolver, err := buildResolver(cfg.Handoff)
	if err != nil {
		log.Error("atlasnet-shard: invalid handoff config", "error", err)
		os.Exit(1)
	}

	telemetryPub := telemetry.NewPublisher(telemetry.Config{Enabled: cfg.Metrics.Enabled})
	if cfg.Metrics.Enabled {
		go serveMetrics(log, cfg.Metrics, telemetryPub)
	}

	rt := runtime.New(runtime.Config{
		Self:      self,
		Log:       log,
		Store:     store,
		Bus:       bus,
		Transport: transport,
		Manifest:  man,
		Simulator: sim,

		Telemetry:      telemetryPub,
		TargetResolver: resolver,
		HandoffDelayUs: cfg.HandoffDelayUs(),
		Naive:          cfg.Handoff.Naive,

		SeedOptions: simulator.SeedOptions{
			DesiredCount:              uint32(cfg.Simulator.SeedCount),
			HalfExtent:                float32(cfg.Simulator.HalfExtent),
			InitialRadius:             float32(cfg.Simulator.InitialRadius),
			RandomizeInitialPhase:     true,
			RandomizeInitialDirection: true,
			RandomizeInitialPosition:  true,
		},
		TickShape: simulator.TickOptions{
			Radius:                   float32(cfg.Simulator.InitialRadius),
			AngularSpeedRadPerSec:    simulator.DefaultOrbitAngularSpeedRadSec,
			PerimeterRefreshInterval: time.Duration(cfg.Simulator.PerimeterRefreshIntervalMs) * time.Millisecond,
		},

		StateSnapshotInterval:       time.Duration(cfg.Handoff.StateSnapshotIntervalMs) * time.Millisecond,
		DiscrepancyStaleAfter:       time.Duration(cfg.Watchdog.StaleAfterSeconds) * time.Second,
		ConnectionInactivityTimeout: time.Duration(cfg.ConnLease.InactivityTimeoutSeconds) * time.Second,
		ConnectionLeaseTTL:          time.Duration(cfg.ConnLease.LeaseTTLSeconds) * time.Second,
	})
	_ = worldBounds // retained on ManifestWorldBounds for LinearBounce; see buildSimulator

	if err := rt.Init(ctx); err != nil {
		log.Error("atlasnet-shard: init failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.TickPeriod())
	defer ticker.Stop()

	log.Info("atlasnet-shard: tick loop starting", "tick_hz", cfg.Shard.TickHz)
	for {
		select {
		case <-sigCh:
			log.Info("atlasnet-shard: shutdown signal received")
			rt.Shutdown()
			cancel()
			return
		case <-ticker.C:
			if err := rt.Tick(ctx); err != nil {
				log.Warn("atlasnet-shard: tick failed", "error", err)
			}
		}
	}
}

// resolveSelf parses id as a NetworkIdentity, or mints a fresh shard-tagged
// identity when id is empty (the ATLASNET_SHARD_ID-unset local-dev case).
func resolveSelf(id string) (identity.Identity, error) {
	if id == "" {
		return identity.New(identity.TagShard), nil
	}
	return identity.Parse(id)
}

func buildStore(cfg config.StoreConfig) (kvstore.Store, func(), error) {
	switch cfg.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return kvstore.NewRedisStore(client), func() { _ = client.Close() }, nil
	case "badger":
		db, err := kvstore.NewBadgerStore(kvstore.BadgerConfig{
			Path:             cfg.Badger.Path,
			SyncWrites:       cfg.Badger.SyncWrites,
			ValueLogFileSize: cfg.Badger.ValueLogFileSize,
		})
		if err != nil {
			return nil, func() {}, fmt.Errorf("opening badger store: %w", err)
		}
		return db, func() { _ = db.Close() }, nil
	default:
		return kvstore.NewMemoryStore(), func() {}, nil
	}
}

func buildHeuristic(cfg config.HeuristicConfig) geo.Heuristic {
	worldMin := geo.Vec3{X: float32(cfg.WorldMinX), Y: float32(cfg.WorldMinY)}
	worldMax := geo.Vec3{X: float32(cfg.WorldMaxX), Y: float32(cfg.WorldMaxY)}
	if cfg.Type == "quadtree" {
		return geo.NewQuadtreeHeuristic(worldMin, worldMax, cfg.MaxDepth)
	}
	return geo.NewGridCellHeuristic(worldMin, worldMax, cfg.Rows, cfg.Cols)
}

// buildSimulator constructs the configured DebugEntitySimulator variant. For
// the linear-bounce variant it also returns the ManifestWorldBounds adapter
// so the caller can keep it alive alongside the Runtime (the simulator
// holds a reference, not ownership).
func buildSimulator(cfg config.SimulatorConfig, man *manifest.Manifest) (runtime.Simulator, *runtime.ManifestWorldBounds) {
	if cfg.Variant == "orbit" {
		return simulator.NewOrbit(), nil
	}
	wb := &runtime.ManifestWorldBounds{Manifest: man}
	return simulator.NewLinearBounce(wb, nil), wb
}

func buildResolver(cfg config.HandoffConfig) (planner.TargetResolver, error) {
	if !cfg.Naive {
		return planner.ManifestTargetResolver{}, nil
	}
	peer, err := identity.Parse(cfg.NaivePeer)
	if err != nil {
		return nil, fmt.Errorf("handoff.naive_peer: %w", err)
	}
	return planner.NaiveTarget{Peer: peer}, nil
}

func serveMetrics(log logger.Logger, cfg config.MetricsConfig, pub *telemetry.Publisher) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, pub.Handler())
	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("atlasnet-shard: metrics server listening", "addr", addr, "path", cfg.Path)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("atlasnet-shard: metrics server stopped", "error", err)
	}
}
