package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/client"
	"swarmshare/pkg/reconcile"
	"swarmshare/pkg/transport"
	"swarmshare/pkg/types"
)

func peerCmd() *cobra.Command {
	var (
		userID     string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run the peer agent",
		Long: `Start the long-running peer agent. It serves this device's chunks to
other peers, keeps the local view of shared files reconciled against the
registry, and applies share updates pushed over the signaling channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if userID != "" {
				cfg.UserID = userID
			}
			if listenAddr != "" {
				cfg.Peer.ListenAddr = listenAddr
			}
			if cfg.UserID == "" {
				return fmt.Errorf("user ID is required (set user_id in config or pass --user)")
			}

			store, err := chunkstore.NewStore(filepath.Join(cfg.DataDir, "chunks"))
			if err != nil {
				return fmt.Errorf("failed to open chunk store: %w", err)
			}

			srv := transport.NewChunkServer(store, logger.Named("chunks"))
			if err := srv.Start(cfg.Peer.ListenAddr); err != nil {
				return err
			}

			advertise := cfg.Peer.AdvertiseAddr
			if strings.HasSuffix(advertise, ":0") {
				advertise = srv.Addr()
			}

			self := types.UserID(cfg.UserID)
			device := types.DeviceID(cfg.DeviceID)

			api := client.New(cfg.Peer.RegistryURL, logger.Named("registry"))

			cache, err := reconcile.LoadAuthCache(filepath.Join(cfg.DataDir, "auth.json"))
			if err != nil {
				return fmt.Errorf("failed to load auth cache: %w", err)
			}

			rec := reconcile.New(reconcile.Config{
				Self:   self,
				Device: device,
				Handle: advertise,
			}, cache, api, store, logger.Named("reconcile"))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sig := client.NewSignaling(cfg.Peer.RegistryURL, types.MakeDeviceKey(self, device), logger.Named("signaling"))
			sig.OnConnect = func() {
				if err := rec.Reconcile(ctx); err != nil {
					logger.Warn("Reconciliation failed", zap.Error(err))
				}
			}
			sig.OnUpdate = rec.HandleShareUpdated

			go sig.Run(ctx)
			go rec.RunPeriodic(ctx, cfg.Peer.ReconcileEvery.Std())

			logger.Info("Peer agent running",
				zap.String("user_id", cfg.UserID),
				zap.String("device_id", cfg.DeviceID),
				zap.String("serving", srv.Addr()),
				zap.String("advertised", advertise),
				zap.String("registry", cfg.Peer.RegistryURL))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down peer agent")
			cancel()
			srv.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user identifier (overrides config)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "chunk listen address (overrides config)")

	return cmd
}
