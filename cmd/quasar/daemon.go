package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oriys/quasar/internal/api"
	"github.com/oriys/quasar/internal/autoscaler"
	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/debug"
	"github.com/oriys/quasar/internal/docker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/health"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/loopdetect"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/ports"
	"github.com/oriys/quasar/internal/provisioner"
	"github.com/oriys/quasar/internal/proxysync"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/state"
	"github.com/oriys/quasar/internal/store"
	"github.com/oriys/quasar/internal/variant"
	"github.com/oriys/quasar/internal/vpn"
	"github.com/spf13/cobra"
)

// Retention for stream history kept beyond the live maps. In-memory stat
// samples follow the loop-detection retention window; ended streams and the
// mirrored stat history keep a day so the stats endpoints can answer
// post-mortem queries.
const historyRetention = 24 * time.Hour

func daemonCmd() *cobra.Command {
	var (
		logLevel   string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Quasar orchestrator daemon",
		Long:  "Run the control plane: HTTP API, autoscaler, engine and VPN health monitors, loop detector, and container death watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if err := config.LoadFromEnv(cfg); err != nil {
				return fmt.Errorf("load env: %w", err)
			}

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Store.PostgresDSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("listen") {
				cfg.Daemon.ListenAddr = listenAddr
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Otel.Enabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Otel.Endpoint,
				ServiceName: "quasar",
				SampleRate:  cfg.Otel.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.Init("quasar")

			sink := debug.Init(cfg.Debug.Enabled, cfg.Debug.LogDir)
			defer sink.Close()
			metrics.RegisterDebugDrops("quasar", sink.Dropped)

			driver, err := docker.New(&docker.Config{
				Network:     cfg.Docker.Network,
				StopTimeout: cfg.Docker.StopTimeout,
				MemoryLimit: cfg.Docker.MemoryLimit,
			})
			if err != nil {
				return fmt.Errorf("docker driver: %w", err)
			}

			alloc := ports.New(cfg.Scaling.MaxActiveReplicas)
			if err := addPortPools(alloc, cfg.VPN); err != nil {
				return fmt.Errorf("port pools: %w", err)
			}

			var mirror store.Mirror = store.NewNoop()
			if cfg.Store.PostgresDSN != "" {
				pgStore, err := store.NewPostgresStore(context.Background(), cfg.Store.PostgresDSN)
				if err != nil {
					return fmt.Errorf("postgres mirror: %w", err)
				}
				defer pgStore.Close()
				mirror = pgStore
				logging.Op().Info("durable stream mirror enabled")
			}

			reg := state.New(alloc, mirror)
			reg.SetProxyNotifier(proxysync.New(cfg.Proxy.TSURL, cfg.Proxy.HLSURL))

			respCache := cache.New(2 * time.Second)
			reg.SetInvalidator(respCache.Invalidate)

			mgr := variant.NewManager(cfg.Docker.DefaultImage)
			if cfg.VariantsFile != "" {
				if err := mgr.LoadFile(cfg.VariantsFile); err != nil {
					return fmt.Errorf("load variants: %w", err)
				}
			}
			rt := variant.NewRuntime(cfg.RuntimePath, mgr)
			if err := rt.Load(); err != nil {
				logging.Op().Warn("runtime config not restored", "error", err)
			}

			breaker := circuitbreaker.New(circuitbreaker.Config{
				Threshold: cfg.Circuit.Threshold,
				Timeout:   cfg.Circuit.Timeout,
			})

			var vpnMon *vpn.Monitor
			if cfg.VPN.Mode != config.VPNModeNone {
				vpnMon = vpn.New(cfg.VPN, cfg.Docker.StopTimeout, driver, reg)
				vpnMon.SetInvalidator(respCache.Invalidate)
			}

			deps := provisioner.Deps{
				Ports:    alloc,
				State:    reg,
				Driver:   driver,
				Variants: mgr,
				Breaker:  breaker,
			}
			if vpnMon != nil {
				deps.VPNs = vpnMon
			}
			prov := provisioner.New(cfg, deps)

			var scalerVPNs autoscaler.VPNStatus
			if vpnMon != nil {
				scalerVPNs = vpnMon
			}
			scaler, err := autoscaler.New(cfg.Scaling, cfg.Docker.StopTimeout, reg, prov, scalerVPNs, driver)
			if err != nil {
				return fmt.Errorf("autoscaler: %w", err)
			}

			var healthVPNs health.EmergencyFlag
			if vpnMon != nil {
				healthVPNs = vpnMon
			}
			healthMon := health.New(cfg.Health, reg, driver, healthVPNs)

			loops := loopdetect.New(cfg.Loop, reg)
			if v, ok := rt.LoopDetection(); ok {
				loops.SetEnabled(v)
			}

			// Adopt engines that survived a daemon restart before any
			// monitor or autoscale cycle can observe an empty fleet.
			if n, err := reg.Rehydrate(context.Background(), driver); err != nil {
				logging.Op().Warn("rehydrate failed", "error", err)
			} else if n > 0 {
				logging.Op().Info("rehydrated engines", "count", n)
			}

			runCtx, cancelRun := context.WithCancel(context.Background())
			defer cancelRun()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() { defer wg.Done(); scaler.Run(runCtx) }()
			wg.Add(1)
			go func() { defer wg.Done(); healthMon.Run(runCtx) }()
			wg.Add(1)
			go func() { defer wg.Done(); loops.Run(runCtx) }()
			wg.Add(1)
			go func() { defer wg.Done(); reg.WatchDeaths(runCtx, driver) }()
			wg.Add(1)
			go func() { defer wg.Done(); runMaintenance(runCtx, cfg, reg, mirror, breaker, alloc) }()
			if vpnMon != nil {
				wg.Add(1)
				go func() { defer wg.Done(); vpnMon.Run(runCtx) }()
			}

			var backend ratelimit.Backend = ratelimit.NewLocalTokenBucketBackend()
			if cfg.Redis.Addr != "" {
				rdb := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer rdb.Close()
				backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(rdb))
				logging.Op().Info("distributed rate limiting enabled", "redis", cfg.Redis.Addr)
			}

			h := &api.Handler{
				Cfg:     cfg,
				State:   reg,
				Prov:    prov,
				Scaler:  scaler,
				Loops:   loops,
				Runtime: rt,
				Breaker: breaker,
				Cache:   respCache,
				Mirror:  mirror,
				Driver:  driver,
				Limiter: ratelimit.NewProvisionLimiter(backend, cfg.RateLimit.ProvisionPerMinute),
			}
			if vpnMon != nil {
				h.VPNs = vpnMon
			}

			httpServer := api.StartHTTPServer(cfg.Daemon.ListenAddr, h)
			logging.Op().Info("quasar control plane started",
				"listen", cfg.Daemon.ListenAddr,
				"vpn_mode", string(cfg.VPN.Mode),
				"min_replicas", cfg.Scaling.MinReplicas,
				"max_active_replicas", cfg.Scaling.MaxActiveReplicas)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
			httpServer.Shutdown(shutCtx)
			cancelShut()

			cancelRun()
			wg.Wait()

			stopManagedEngines(reg, driver, cfg.Docker.StopTimeout)
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8000", "HTTP listen address")

	return cmd
}

// addPortPools builds the host-port pools for the configured VPN topology.
// Without sidecars a single global pool backs every engine.
func addPortPools(alloc *ports.Allocator, cfg config.VPNConfig) error {
	switch cfg.Mode {
	case config.VPNModeNone:
		return alloc.AddPool("", cfg.PortRange1.Lo, cfg.PortRange1.Hi)
	case config.VPNModeSingle:
		return alloc.AddPool(cfg.Container, cfg.PortRange1.Lo, cfg.PortRange1.Hi)
	case config.VPNModeRedundant:
		if err := alloc.AddPool(cfg.Container, cfg.PortRange1.Lo, cfg.PortRange1.Hi); err != nil {
			return err
		}
		return alloc.AddPool(cfg.Container2, cfg.PortRange2.Lo, cfg.PortRange2.Hi)
	}
	return fmt.Errorf("unknown VPN mode %q", cfg.Mode)
}

// runMaintenance refreshes the circuit and port-pool gauges and prunes
// stream history on the cleanup cadence.
func runMaintenance(ctx context.Context, cfg *config.Config, reg *state.Registry, mirror store.Mirror, breaker *circuitbreaker.Breaker, alloc *ports.Allocator) {
	pools := poolNames(cfg.VPN)

	gauge := time.NewTicker(15 * time.Second)
	defer gauge.Stop()
	prune := time.NewTicker(cfg.Health.CleanupInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauge.C:
			metrics.SetCircuitState("provisioning", circuitGauge(breaker.State()))
			for _, p := range pools {
				label := p
				if label == "" {
					label = "none"
				}
				metrics.SetPortPoolFree(label, alloc.Free(p))
			}
		case <-prune.C:
			pruneHistory(ctx, cfg, reg, mirror)
		}
	}
}

// poolNames mirrors the addPortPools topology switch.
func poolNames(cfg config.VPNConfig) []string {
	switch cfg.Mode {
	case config.VPNModeSingle:
		return []string{cfg.Container}
	case config.VPNModeRedundant:
		return []string{cfg.Container, cfg.Container2}
	}
	return []string{""}
}

// circuitGauge maps breaker states onto the gauge encoding (0 closed,
// 1 half-open, 2 open).
func circuitGauge(s circuitbreaker.State) int {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	}
	return 0
}

func pruneHistory(ctx context.Context, cfg *config.Config, reg *state.Registry, mirror store.Mirror) {
	now := time.Now()
	if cfg.Loop.Retention > 0 {
		if n := reg.PruneStats(now.Add(-cfg.Loop.Retention)); n > 0 {
			logging.Op().Debug("pruned stat samples", "count", n)
		}
	}
	if n := reg.PruneEnded(now.Add(-historyRetention)); n > 0 {
		logging.Op().Debug("pruned ended streams", "count", n)
	}

	pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if n, err := mirror.PruneStreamStats(pruneCtx, now.Add(-historyRetention)); err != nil {
		logging.Op().Warn("mirror stat prune failed", "error", err)
	} else if n > 0 {
		logging.Op().Debug("pruned mirrored stat samples", "count", n)
	}
}

// stopManagedEngines stops every container this control plane started.
// Adopted engines (registered via stream events, no managed label) are
// left running; they belong to someone else.
func stopManagedEngines(reg *state.Registry, driver *docker.Driver, timeout time.Duration) {
	var ids []string
	for _, e := range reg.Engines() {
		if e.ContainerID == "" || e.Labels[domain.LabelManaged] != "true" {
			continue
		}
		ids = append(ids, e.ContainerID)
	}
	if len(ids) == 0 {
		return
	}

	logging.Op().Info("stopping managed engines", "count", len(ids))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := driver.StopBatch(ctx, ids, timeout); err != nil {
		logging.Op().Error("managed engine shutdown incomplete", "error", err)
	}
}
