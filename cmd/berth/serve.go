package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/berth/pkg/api"
	"github.com/cuemby/berth/pkg/config"
	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/lifecycle"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/network"
	"github.com/cuemby/berth/pkg/quota"
	"github.com/cuemby/berth/pkg/reconciler"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/tracing"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Berth control plane",
	Long: `Run the control plane on this host: open the state store, connect to
the enabled engines, rebuild quota usage from stored records, start the
reconciler and serve the gRPC API plus /health, /ready and /metrics.

Configuration is read from --config, then BERTH_* environment variables.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", os.Getenv("BERTH_CONFIG"), "Path to a YAML config file")
	serveCmd.Flags().String("listen", "", "Override api.address")
	serveCmd.Flags().String("data-dir", "", "Override data_dir")
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.API.Address = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}

	log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	ctx := context.Background()
	tp := tracing.Setup(log.WithComponent("tracing"))
	defer func() { _ = tp.Shutdown(ctx) }()

	store, err := storage.Open(cfg.Store.Driver, cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentStore, false, err.Error())
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	logger.Info().Str("driver", cfg.Store.Driver).Str("data_dir", cfg.DataDir).Msg("State store opened")

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker.Subscribe(), log.WithComponent("events"))

	ledger := quota.NewLedger(store, cfg.Quota.Limits())

	alloc, err := network.NewAllocator(cfg.Network.SubnetBase, cfg.Network.PrefixLen)
	if err != nil {
		return err
	}
	networks := network.NewManager(store, registry, alloc, broker)

	lc := lifecycle.NewManager(store, registry, ledger, lifecycle.Config{
		MaxAttempts: cfg.Lifecycle.MaxAttempts,
		Backoff:     cfg.Lifecycle.Backoff,
		StopTimeout: cfg.Lifecycle.StopTimeout,
	},
		lifecycle.WithBroker(broker),
		lifecycle.WithNetworks(networks),
		lifecycle.WithTracer(tp.Tracer("berth/lifecycle")),
	)
	if err := lc.Recover(ctx); err != nil {
		return fmt.Errorf("failed to rebuild quota usage: %w", err)
	}
	lc.Run()
	defer lc.Close()

	rec := reconciler.NewReconciler(store, registry, ledger, networks, broker, reconciler.Config{
		Interval:       cfg.Reconciler.Interval,
		AdoptUnmanaged: cfg.Reconciler.AdoptUnmanaged,
		UnmanagedOwner: cfg.Reconciler.UnmanagedOwner,
		AdoptGrace:     cfg.Reconciler.AdoptGrace,
		CallTimeout:    cfg.Engines.CallTimeout,
	})
	rec.Start()
	defer rec.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(lc, networks, ledger, registry, rec)
	healthServer := api.NewHealthServer(store, Version)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(cfg.API.Address); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	go func() {
		if err := healthServer.Start(cfg.API.HealthAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()

	logger.Info().
		Str("api", cfg.API.Address).
		Str("health", cfg.API.HealthAddress).
		Strs("engines", engineNames(registry.Engines())).
		Str("version", Version).
		Msg("Berth is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed, shutting down")
	}

	stopped := make(chan struct{})
	go func() {
		apiServer.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("API drain timed out")
	}
	_ = healthServer.Close()

	logger.Info().Msg("Shutdown complete")
	return runErr
}

// buildRegistry creates a driver for every enabled engine
func buildRegistry(cfg *config.Config) (*driver.Registry, error) {
	registry := driver.NewRegistry(types.Engine(cfg.Engines.Default))
	opts := []driver.Option{driver.WithCallTimeout(cfg.Engines.CallTimeout)}

	for _, engine := range cfg.EnabledEngines() {
		switch engine {
		case types.EngineDocker:
			d, err := driver.NewDocker(cfg.Engines.Docker.Host, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create docker driver: %w", err)
			}
			registry.Register(d)
		case types.EnginePodman:
			d, err := driver.NewPodman(cfg.Engines.Podman.Host, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create podman driver: %w", err)
			}
			registry.Register(d)
		case types.EngineLXC:
			registry.Register(driver.NewLXC(driver.ExecRunner{Binary: cfg.Engines.LXC.Binary}, cfg.Engines.LXC.Remote, opts...))
		}
	}
	return registry, nil
}

// logEvents writes every lifecycle event to the log until the broker stops
func logEvents(sub events.Subscriber, logger zerolog.Logger) {
	for ev := range sub {
		logger.Info().
			Str("type", string(ev.Type)).
			Str("owner", ev.Owner).
			Str("engine", ev.Engine).
			Str("resource", ev.Resource).
			Msg(ev.Message)
	}
}

func engineNames(engines []types.Engine) []string {
	out := make([]string, len(engines))
	for i, e := range engines {
		out[i] = string(e)
	}
	return out
}
