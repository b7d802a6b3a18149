package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zion-sh/zion/internal/config"
	"github.com/zion-sh/zion/internal/containerruntime"
	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/logging"
	"github.com/zion-sh/zion/internal/monitor"
	"github.com/zion-sh/zion/internal/pool"
)

// resetCmd tears down a node's sandboxes and coordination state without
// starting a fresh pool, for recovering a crashed node before a supervised
// restart.
func resetCmd() *cobra.Command {
	var redisAddr string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Tear down all sandboxes and coordination state for this node",
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
				Monitoring:    monitor.NewTable(),
			})

			if err := p.Teardown(ctx); err != nil {
				return fmt.Errorf("teardown: %w", err)
			}

			logging.Op().Info("node reset complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis", "localhost:6379", "Coordination store address")
	return cmd
}
