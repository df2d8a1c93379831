package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmshare/pkg/client"
	"swarmshare/pkg/types"
)

func shareCmd() *cobra.Command {
	var (
		fileID string
		users  []string
	)

	cmd := &cobra.Command{
		Use:   "share",
		Short: "Grant users access to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShareUpdate(fileID, users, types.ShareActionAdd)
		},
	}

	cmd.Flags().StringVar(&fileID, "id", "", "file ID")
	cmd.Flags().StringSliceVar(&users, "user", nil, "user to grant access (repeatable)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("user")

	return cmd
}

func revokeCmd() *cobra.Command {
	var (
		fileID string
		users  []string
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Withdraw users' access to a file",
		Long: `Remove users from a file's authorized list. Their devices are told to
drop their local replicas the next time they connect or reconcile.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShareUpdate(fileID, users, types.ShareActionRevoke)
		},
	}

	cmd.Flags().StringVar(&fileID, "id", "", "file ID")
	cmd.Flags().StringSliceVar(&users, "user", nil, "user to revoke (repeatable)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runShareUpdate(fileID string, users []string, action types.ShareAction) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.UserID == "" {
		return fmt.Errorf("user ID is required (set user_id in config)")
	}

	targets := make([]types.UserID, 0, len(users))
	for _, u := range users {
		targets = append(targets, types.UserID(u))
	}

	api := client.New(cfg.Peer.RegistryURL, logger.Named("registry"))
	resp, err := api.UpdateShare(context.Background(), types.FileID(fileID), &types.ShareRequest{
		RequesterID: types.UserID(cfg.UserID),
		Action:      action,
		TargetUsers: targets,
	})
	if err != nil {
		return fmt.Errorf("failed to update share: %w", err)
	}

	msg := "Access granted"
	if action == types.ShareActionRevoke {
		msg = "Access revoked"
	}
	logger.Info(msg,
		zap.String("file_id", fileID),
		zap.Strings("users", users),
		zap.Int("authorized_users", len(resp.AuthorizedUsers)))

	if resp.Truncated {
		logger.Warn("Authorized user list hit the registry cap; some users were not added")
	}

	return nil
}
