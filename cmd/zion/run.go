package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zion-sh/zion/internal/autoscaler"
	"github.com/zion-sh/zion/internal/config"
	"github.com/zion-sh/zion/internal/containerruntime"
	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/dispatcher"
	"github.com/zion-sh/zion/internal/logging"
	"github.com/zion-sh/zion/internal/metrics"
	"github.com/zion-sh/zion/internal/monitor"
	"github.com/zion-sh/zion/internal/pool"
)

func runCmd() *cobra.Command {
	var (
		redisAddr string
		logLevel  string
		eventFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node supervisor: pool, dispatcher, monitor and autoscaler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("event-file") {
				cfg.Logging.EventFile = eventFile
			}

			logging.SetLevelFromString(cfg.Logging.Level)
			if cfg.Logging.EventFile != "" {
				if err := logging.Events().SetOutput(cfg.Logging.EventFile); err != nil {
					logging.Op().Warn("failed to open event log file", "error", err)
				}
			}
			defer logging.Events().Close()

			if cfg.Metrics.Enabled {
				metrics.Init(cfg.Metrics.Namespace)
			}

			ctx := context.Background()

			runtime, err := containerruntime.NewDockerRuntime(ctx, cfg.Docker.Host)
			if err != nil {
				return fmt.Errorf("connect to docker: %w", err)
			}

			store, err := coordstore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("connect to redis: %w", err)
			}
			defer store.Close()

			table := monitor.NewTable()

			p := pool.New(pool.Config{
				NumCPU:        cfg.NumCPU,
				PoolRoot:      cfg.Paths.PoolRoot,
				WorkersRoot:   cfg.Paths.WorkersRoot,
				FunctionsRoot: cfg.Paths.FunctionsRoot,
				RuntimeImage:  cfg.Docker.RuntimeImage,
				Network:       cfg.Docker.NetworkName,
				ServiceUser:   cfg.Paths.ServiceUser,
				Runtime:       runtime,
				Store:         store,
				Monitoring:    table,
			})

			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("start pool: %w", err)
			}

			d := dispatcher.New(store, p.AsDispatcherLookup(), p, cfg.Paths.PoolRoot, cfg.Paths.WorkersRoot, cfg.Paths.Scope)

			mon := monitor.New(store, table, p.AsMonitorLookup(), cfg.Autoscaler.TickInterval)
			monCtx, monCancel := context.WithCancel(ctx)
			go mon.Run(monCtx)

			as := autoscaler.New(table, store, d, p.AsAutoscalerLookup(), p, autoscaler.Thresholds{
				HighCPU:         cfg.Autoscaler.HighCPU,
				LowCPU:          cfg.Autoscaler.LowCPU,
				WorkerTimeout:   cfg.Autoscaler.WorkerTimeout,
				TimeoutToGrowUp: cfg.Autoscaler.TimeoutToGrowUp,
			}, cfg.Autoscaler.TickInterval)
			asCtx, asCancel := context.WithCancel(ctx)
			go as.Run(asCtx)

			var metricsServer *http.Server
			if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server exited", "error", err)
					}
				}()
				logging.Op().Info("metrics server started", "addr", cfg.Metrics.Addr)
			}

			logging.Op().Info("zion supervisor started", "slots", p.SlotCount(), "redis", cfg.Redis.Addr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			monCancel()
			asCancel()
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsServer.Shutdown(shutdownCtx)
				cancel()
			}
			if err := p.Teardown(context.Background()); err != nil {
				logging.Op().Error("teardown failed", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis", "localhost:6379", "Coordination store address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&eventFile, "event-file", "", "Optional JSON-lines sandbox lifecycle event sink")

	return cmd
}
