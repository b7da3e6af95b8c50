package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Hellblazer/seagoat/internal/facade"
)

// newAnalyzeCmd runs one analyze pass and exits.
func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Index the repository's committed content",
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

			h, err := f.Analyze()
			if err != nil {
				return err
			}
			if _, err := h.Wait(cmd.Context()); err != nil {
				return err
			}

			sh, err := f.GetStatus()
			if err != nil {
				return err
			}
			v, err := sh.Wait(cmd.Context())
			if err != nil {
				return err
			}
			status := v.(*facade.StatusResponse)
			fmt.Fprintf(cmd.OutOrStdout(), "analyzed %d chunks across %d files\n",
				status.ChunksAnalyzed, status.TotalFiles)
			return nil
		},
	}
}
