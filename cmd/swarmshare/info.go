package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"swarmshare/pkg/client"
	"swarmshare/pkg/types"
	"swarmshare/pkg/utils"
)

func infoCmd() *cobra.Command {
	var fileID string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show a file's registry record",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			api := client.New(cfg.Peer.RegistryURL, logger.Named("registry"))
			info, err := api.GetFileInfo(context.Background(), types.FileID(fileID))
			if err != nil {
				return fmt.Errorf("failed to fetch file info: %w", err)
			}

			var content strings.Builder
			rows := []struct {
				label string
				value string
				style lipgloss.Style
			}{
				{"File ID", string(info.FileID), accentStyle},
				{"Checksum", info.Checksum, valueStyle},
				{"Size", utils.FormatDataSize(info.FileSize), valueStyle},
				{"Chunks", fmt.Sprintf("%d", info.ChunkCount), valueStyle},
				{"MIME type", orDash(info.MimeType), valueStyle},
				{"Creator", string(info.Creator), valueStyle},
				{"Seeders", fmt.Sprintf("%d", len(info.Seeders)), seederCountStyle(len(info.Seeders))},
			}
			for _, r := range rows {
				content.WriteString(fmt.Sprintf("%s %s\n",
					labelStyle.Render(r.label+":"),
					r.style.Render(r.value)))
			}
			content.WriteString("\n")
			content.WriteString(labelStyle.Render("Shared with:") + " " +
				valueStyle.Render(joinUsers(info.AuthorizedUsers)))

			fmt.Println(renderPanel("FILE RECORD", strings.TrimSpace(content.String())))

			if len(info.Seeders) > 0 {
				t := table.New().
					Border(lipgloss.NormalBorder()).
					BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
					StyleFunc(func(row, col int) lipgloss.Style {
						if row == 0 {
							return headerStyle
						}
						return rowStyle
					})

				t.Headers("USER", "DEVICE", "HANDLE", "CHUNKS", "LAST SEEN")
				for _, s := range info.Seeders {
					t.Row(
						string(s.UserID),
						string(s.DeviceID),
						s.ConnectionHandle,
						fmt.Sprintf("%d/%d", s.Chunks.Len(), info.ChunkCount),
						formatAge(s.LastSeen),
					)
				}
				fmt.Println(t.Render())
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&fileID, "id", "", "file ID")
	cmd.MarkFlagRequired("id")

	return cmd
}

func seederCountStyle(n int) lipgloss.Style {
	switch {
	case n == 0:
		return dangerStyle
	case n == 1:
		return warningStyle
	default:
		return accentStyle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinUsers(users []types.UserID) string {
	if len(users) == 0 {
		return "-"
	}
	parts := make([]string, len(users))
	for i, u := range users {
		parts[i] = string(u)
	}
	return strings.Join(parts, ", ")
}

func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	}
}
