package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"swarmshare/pkg/chunkstore"
	"swarmshare/pkg/reconcile"
	"swarmshare/pkg/utils"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local replicas and their share state",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := chunkstore.NewStore(filepath.Join(cfg.DataDir, "chunks"))
			if err != nil {
				return fmt.Errorf("failed to open chunk store: %w", err)
			}
			cache, err := reconcile.LoadAuthCache(filepath.Join(cfg.DataDir, "auth.json"))
			if err != nil {
				return fmt.Errorf("failed to load auth cache: %w", err)
			}

			metas, err := store.Files()
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Println("No local replicas.")
				return nil
			}

			var totalSize int64
			for _, meta := range metas {
				totalSize += meta.FileSize
			}

			var content strings.Builder
			content.WriteString(fmt.Sprintf("%s %s\n",
				labelStyle.Render("Replicas:"),
				accentStyle.Render(fmt.Sprintf("%d", len(metas)))))
			content.WriteString(fmt.Sprintf("%s %s\n",
				labelStyle.Render("Total size:"),
				valueStyle.Render(utils.FormatDataSize(totalSize))))
			content.WriteString(fmt.Sprintf("%s %s",
				labelStyle.Render("Data dir:"),
				valueStyle.Render(cfg.DataDir)))

			fmt.Println(renderPanel("LOCAL REPLICAS", content.String()))

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == 0 {
						return headerStyle
					}
					return rowStyle
				})

			t.Headers("FILE ID", "SIZE", "CHUNKS", "PROGRESS", "STATE", "SHARED WITH")
			for _, meta := range metas {
				have, err := store.Have(meta.FileID)
				if err != nil {
					return err
				}

				progress := 100.0
				if meta.ChunkCount > 0 {
					progress = float64(have.Len()) * 100 / float64(meta.ChunkCount)
				}

				state := "🟡 partial"
				if have.Len() == meta.ChunkCount {
					state = "🟢 seeding"
				}

				sharedWith := "-"
				if fa, ok := cache.Get(meta.FileID); ok {
					if fa.Revoked {
						state = "🔴 revoked"
					}
					if len(fa.SharedWith) > 0 {
						sharedWith = fmt.Sprintf("%d users", len(fa.SharedWith))
					}
				}

				t.Row(
					string(meta.FileID),
					utils.FormatDataSize(meta.FileSize),
					fmt.Sprintf("%d/%d", have.Len(), meta.ChunkCount),
					fmt.Sprintf("%s %3.0f%%", renderMiniBar(progress, 10), progress),
					state,
					sharedWith,
				)
			}
			fmt.Println(t.Render())

			return nil
		},
	}

	return cmd
}
