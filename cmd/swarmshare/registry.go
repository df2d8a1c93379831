package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmshare/pkg/registry"
)

func registryCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the coordination registry",
		Long: `Start the registry that tracks seeders and authorized users per file
and pushes share updates to connected devices. It never sees file bytes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Registry.ListenAddr = listenAddr
			}

			opts := registry.Options{
				MaxAuthorizedUsers: cfg.Registry.MaxAuthorizedUsers,
				StaleSeederAfter:   cfg.Registry.StaleSeederAfter.Std(),
				EvictSeederAfter:   cfg.Registry.EvictSeederAfter.Std(),
				RecordTTL:          cfg.Registry.RecordTTL.Std(),
				SweepInterval:      cfg.Registry.SweepInterval.Std(),
				RateBurst:          cfg.Registry.RateBurst,
				RateWindow:         cfg.Registry.RateWindow.Std(),
			}

			// Advisories between peers travel peer to peer; the registry has
			// no side channel of its own beyond the signaling hub.
			srv := registry.NewServer(cfg.Registry.ListenAddr, opts, nil, nil, logger)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-sigChan
				logger.Info("Shutting down registry")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Stop(ctx)
				os.Exit(0)
			}()

			logger.Info("Starting registry",
				zap.String("listen", cfg.Registry.ListenAddr),
				zap.Int("max_authorized_users", opts.MaxAuthorizedUsers))

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")

	return cmd
}
