package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending sqlite session-store migrations",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("config load failed", "error", err)
				os.Exit(1)
			}

			path := cfg.Sessions.DSN
			if path == "" {
				path = filepath.Join(cfg.Workspace.DataDir, "sessions.db")
			}

			// Opening the store runs migrations as a side effect.
			s, err := store.NewSQLiteStore(path)
			if err != nil {
				slog.Error("migrate failed", "path", path, "error", err)
				os.Exit(1)
			}
			s.Close()
			slog.Info("migrations applied", "path", path)
		},
	}
}
