package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/embedder"
	"github.com/devforgehq/forged/internal/rag"
	"github.com/devforgehq/forged/internal/vector"
)

func timeDayAgo() time.Time { return time.Now().Add(-24 * time.Hour) }

func indexCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or refresh the codebase retrieval index",
		Long: "Walks the workspace and embeds new or changed files into the codebase " +
			"index. The default pass skips files whose content hash is unchanged; " +
			"--rebuild drops the index and re-embeds everything.",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("config load failed", "error", err)
				os.Exit(1)
			}

			embed, err := embedder.New(cfg.Embedding)
			if err != nil {
				slog.Error("embedder init failed", "error", err)
				os.Exit(1)
			}

			dir := filepath.Join(cfg.Workspace.DataDir, "codebase")
			store, err := vector.Open(dir, "codebase", embed.Dimension(), embed.Provenance())
			if err != nil {
				slog.Error("vector store open failed", "error", err)
				os.Exit(1)
			}

			indexer := rag.NewIndexer(cfg.Workspace.Root, dir, store, embed, cfg.Retrieval)
			if err := indexer.Index(context.Background(), rebuild); err != nil {
				slog.Error("index pass failed", "error", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "drop the index and re-embed everything")
	return cmd
}
