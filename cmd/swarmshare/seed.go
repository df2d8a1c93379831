package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/client"
	"swarmshare/pkg/reconcile"
	"swarmshare/pkg/types"
	"swarmshare/pkg/utils"
)

func seedCmd() *cobra.Command {
	var (
		filePath  string
		fileID    string
		mimeType  string
		shareWith []string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import a file and announce it to the registry",
		Long: `Split a file into chunks in the local store and register this device as
its seeder. The peer agent serves the chunks; run it alongside.`,
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

			chunkSize, err := cfg.ChunkSizeBytes()
			if err != nil {
				return err
			}

			store, err := chunkstore.NewStore(filepath.Join(cfg.DataDir, "chunks"))
			if err != nil {
				return fmt.Errorf("failed to open chunk store: %w", err)
			}

			if fileID == "" {
				fileID = "file-" + uuid.NewString()
			}

			meta, err := store.ImportFile(types.FileID(fileID), filePath, mimeType, chunkSize)
			if err != nil {
				return fmt.Errorf("failed to import file: %w", err)
			}

			self := types.UserID(cfg.UserID)
			proposed := []types.UserID{self}
			for _, u := range shareWith {
				proposed = append(proposed, types.UserID(u))
			}

			api := client.New(cfg.Peer.RegistryURL, logger.Named("registry"))
			ctx := context.Background()

			resp, err := api.AnnounceWithRetry(ctx, &types.AnnounceRequest{
				UserID:                  self,
				DeviceID:                types.DeviceID(cfg.DeviceID),
				ConnectionHandle:        cfg.Peer.AdvertiseAddr,
				FileID:                  meta.FileID,
				Checksum:                meta.Checksum,
				ChunkCount:              meta.ChunkCount,
				FileSize:                meta.FileSize,
				MimeType:                meta.MimeType,
				AvailableChunks:         types.FullChunkSet(meta.ChunkCount),
				ProposedAuthorizedUsers: proposed,
			})
			if err != nil {
				return fmt.Errorf("failed to announce: %w", err)
			}

			// Remember the granted list so the agent reconciles with it.
			cache, err := reconcile.LoadAuthCache(filepath.Join(cfg.DataDir, "auth.json"))
			if err != nil {
				logger.Warn("Could not load auth cache", zap.Error(err))
			} else {
				cache.Apply(meta.FileID, resp.AuthorizedUsers, time.Now())
				if err := cache.Save(); err != nil {
					logger.Warn("Could not persist auth cache", zap.Error(err))
				}
			}

			logger.Info("File seeded",
				zap.String("file_id", string(meta.FileID)),
				zap.String("checksum", meta.Checksum),
				zap.Int("chunks", meta.ChunkCount),
				zap.String("size", utils.FormatDataSize(meta.FileSize)),
				zap.Int("authorized_users", len(resp.AuthorizedUsers)))

			if resp.Truncated {
				logger.Warn("Authorized user list hit the registry cap; some proposed users were not added")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&filePath, "file", "", "path to file to seed")
	cmd.Flags().StringVar(&fileID, "id", "", "file ID (auto-generated if not provided)")
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type stored with the file")
	cmd.Flags().StringSliceVar(&shareWith, "share-with", nil, "users to authorize immediately")
	cmd.MarkFlagRequired("file")

	return cmd
}
