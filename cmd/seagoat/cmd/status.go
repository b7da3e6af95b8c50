package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Hellblazer/seagoat/internal/facade"
	"github.com/Hellblazer/seagoat/internal/output"
)

// newStatusCmd prints the engine's stats surface.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index statistics and staleness",
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

			h, err := f.GetStatus()
			if err != nil {
				return err
			}
			v, err := h.Wait(cmd.Context())
			if err != nil {
				return err
			}

			status, ok := v.(*facade.StatusResponse)
			if !ok {
				return fmt.Errorf("unexpected status result type %T", v)
			}
			plain := !isatty.IsTerminal(os.Stdout.Fd())
			output.New(cmd.OutOrStdout(), plain).Status(status)
			return nil
		},
	}
}
