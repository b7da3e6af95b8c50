package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Hellblazer/seagoat/internal/facade"
)

// newServerCmd runs the engine until interrupted. The periodic maintenance
// cycle keeps the index fresh; a transport layer (out of process here)
// talks to the same facade surface.
func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the engine and keep the index fresh until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, repoPath, err := loadConfig()
			if err != nil {
				return err
			}

			f, err := facade.New(cfg, repoPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			// Run one full analyze up front so first queries are served
			// from a warm index.
			h, err := f.Analyze()
			if err != nil {
				return err
			}
			if _, err := h.Wait(cmd.Context()); err != nil {
				return err
			}

			slog.Info("engine running",
				slog.String("repo", repoPath),
				slog.Int("port", cfg.Server.Port))
			fmt.Fprintf(cmd.OutOrStdout(), "seagoat engine running for %s (ctrl-c to stop)\n", repoPath)

			<-cmd.Context().Done()
			slog.Info("shutting down")
			return nil
		},
	}
}
