package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chainview-dev/chainview/internal/config"
	"github.com/chainview-dev/chainview/internal/node"
	"github.com/chainview-dev/chainview/pkg/archive"
	"github.com/chainview-dev/chainview/pkg/hub"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub with the built-in simulated node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := cfg.Logger()
			slog.SetDefault(logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sim := node.New(node.Config{
				Seed:         cfg.Node.Seed,
				TickInterval: cfg.Node.TickInterval,
				Accounts:     cfg.Node.Accounts,
				Logger:       logger,
			})
			go sim.Run(ctx)

			h := hub.New(sim.Collaborators(), &hub.Config{
				SendBuffer:   cfg.Hub.SendBuffer,
				WriteTimeout: cfg.Hub.WriteTimeout,
				StateTimeout: cfg.Hub.StateTimeout,
				Logger:       logger,
			})

			if cfg.Archive.Enabled {
				arch, err := archive.NewFromEnvironment(ctx, h, cfg.Archive.Region, archive.Config{
					Bucket:   cfg.Archive.Bucket,
					Prefix:   cfg.Archive.Prefix,
					Interval: cfg.Archive.Interval,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				go arch.Run(ctx)
			}

			srv := hub.NewServer(h, &hub.ServerConfig{
				Address:        cfg.Server.Address,
				CertFile:       cfg.Server.CertFile,
				KeyFile:        cfg.Server.KeyFile,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Logger:         logger,
			})
			return srv.Run()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to chainview.yaml")

	return cmd
}
