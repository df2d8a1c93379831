package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/client"
	"swarmshare/pkg/transfer"
	"swarmshare/pkg/transport"
	"swarmshare/pkg/types"
	"swarmshare/pkg/utils"
)

func fetchCmd() *cobra.Command {
	var (
		fileID     string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download a file from its seeders",
		Long: `Download a file chunk by chunk from the seeders the registry lists.
Chunks already present locally are kept, so an interrupted download
resumes where it left off. The downloaded file stays in the local store
and is announced for seeding; --output additionally writes a plain copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.UserID == "" {
				return fmt.Errorf("user ID is required (set user_id in config)")
			}

			store, err := chunkstore.NewStore(filepath.Join(cfg.DataDir, "chunks"))
			if err != nil {
				return fmt.Errorf("failed to open chunk store: %w", err)
			}

			api := client.New(cfg.Peer.RegistryURL, logger.Named("registry"))

			manager := transfer.NewManager(transfer.Config{
				Self:   types.UserID(cfg.UserID),
				Device: types.DeviceID(cfg.DeviceID),
				Handle: cfg.Peer.AdvertiseAddr,
			}, api, store, transport.NewTCPTransport(cfg.Peer.RequestTimeout.Std()), transfer.Options{
				MaxPeers:       cfg.Peer.MaxPeers,
				MaxConnections: cfg.Peer.MaxConnections,
				ChunkRetries:   cfg.Peer.ChunkRetries,
				RequestTimeout: cfg.Peer.RequestTimeout.Std(),
			}, logger.Named("transfer"))

			ctx := context.Background()
			id := types.FileID(fileID)

			sess, err := manager.Fetch(ctx, id)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("Canceling download, partial data is kept for resume")
				manager.Cancel(id, false)
			}()

			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()

			for done := false; !done; {
				select {
				case <-sess.Done():
					done = true
				case <-ticker.C:
					st := sess.Status()
					fmt.Printf("\r%-12s %s", st.State, renderProgressBar(st.Progress*100, 40))
				}
			}
			fmt.Println()

			if err := sess.Wait(); err != nil {
				return err
			}
			if sess.State() == transfer.StateCanceled {
				logger.Info("Download canceled", zap.String("file_id", fileID))
				return nil
			}

			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				if _, err := store.AssembleTo(id, f); err != nil {
					return fmt.Errorf("failed to write output file: %w", err)
				}
			}

			meta, err := store.GetMeta(id)
			if err != nil {
				return err
			}

			logger.Info("File downloaded",
				zap.String("file_id", fileID),
				zap.Int("chunks", meta.ChunkCount),
				zap.String("size", utils.FormatDataSize(meta.FileSize)),
				zap.String("checksum", meta.Checksum))

			return nil
		},
	}

	cmd.Flags().StringVar(&fileID, "id", "", "file ID to download")
	cmd.Flags().StringVar(&outputPath, "output", "", "write the assembled file to this path")
	cmd.MarkFlagRequired("id")

	return cmd
}
