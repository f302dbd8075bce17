package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foamflask/foamflask/pkg/api"
	"github.com/foamflask/foamflask/pkg/events"
	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
	"github.com/foamflask/foamflask/pkg/runtime"
	"github.com/foamflask/foamflask/pkg/storage"
	"github.com/foamflask/foamflask/pkg/watch"
	"github.com/foamflask/foamflask/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve case data over HTTP",
	Long: `Serve field histories, latest values and residuals of the cases under
the case root. With runtime.enabled set, solver commands can be started in
an OpenFOAM container through containerd.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address")
	serveCmd.Flags().String("grpc-health-addr", "", "gRPC health listen address")
	serveCmd.Flags().Bool("runtime", false, "Enable the containerd runtime")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("grpc-health-addr"); v != "" {
		cfg.Server.GRPCHealthAddr = v
	}
	if cmd.Flags().Changed("runtime") {
		cfg.Runtime.Enabled, _ = cmd.Flags().GetBool("runtime")
	}

	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)
	metrics.RegisterComponent(metrics.ComponentAPI, false, "starting")

	caseRoot, err := cfg.CaseRoot()
	if err != nil {
		return fmt.Errorf("failed to resolve case root: %w", err)
	}
	if err := os.MkdirAll(caseRoot, 0755); err != nil {
		return fmt.Errorf("failed to create case root: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	agg := newAggregator(cfg)
	metrics.RegisterComponent(metrics.ComponentAggregator, true, "ready")

	collector := metrics.NewCollector(agg)
	collector.Start()
	defer collector.Stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if cfg.Watch.Enabled {
		w, err := watch.New(caseRoot, broker, agg, cfg.Watch.Debounce)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			metrics.RegisterComponent(metrics.ComponentWatcher, false, "failed to start")
			logger.Warn().Err(err).Msg("Case watcher disabled")
		} else {
			metrics.RegisterComponent(metrics.ComponentWatcher, true, "watching")
			defer w.Stop()
		}
	}

	var runner api.Runner
	var wk *worker.Worker
	if cfg.Runtime.Enabled {
		rt, err := runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.Namespace)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.Ping(ctx); err != nil {
			metrics.RegisterComponent(metrics.ComponentExecutor, false, "containerd not serving")
			logger.Warn().Err(err).Msg("containerd is not serving")
		} else {
			metrics.RegisterComponent(metrics.ComponentExecutor, true, "ready")
		}
		cancel()

		wk = worker.NewWorker(worker.Config{
			Image:   cfg.Runtime.Image,
			Bashrc:  cfg.Runtime.Bashrc,
			LogName: cfg.Cases.LogName,
		}, rt, store, broker, worker.WithInvalidator(agg))
		runner = wk
	}

	server := api.NewServer(api.Config{
		CaseRoot:        caseRoot,
		MaxPoints:       cfg.Cases.MaxPoints,
		RequestTimeout:  cfg.Server.RequestTimeout,
		StreamInterval:  cfg.Server.StreamInterval,
		RateLimit:       cfg.Server.RateLimit.RequestsPerSecond,
		Burst:           cfg.Server.RateLimit.Burst,
		AllowedNetworks: cfg.Server.AllowedNetworks,
	}, agg, store, broker, runner)

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(cfg.Server.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	var grpcHealth *api.GRPCHealth
	if cfg.Server.GRPCHealthAddr != "" {
		grpcHealth = api.NewGRPCHealth()
		go func() {
			if err := grpcHealth.Start(cfg.Server.GRPCHealthAddr); err != nil {
				errCh <- fmt.Errorf("gRPC health server error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("case_root", caseRoot).
		Bool("runtime", cfg.Runtime.Enabled).
		Msg("FOAMFlask is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down")
	}

	return shutdown(server, grpcHealth, wk, runErr)
}

func shutdown(server *api.Server, grpcHealth *api.GRPCHealth, wk *worker.Worker, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	if err := server.Shutdown(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to shutdown: %w", err)
	}
	if wk != nil {
		wk.Shutdown()
	}
	return runErr
}
