// Package cmd provides the CLI commands for SeaGOAT.
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Hellblazer/seagoat/internal/config"
	"github.com/Hellblazer/seagoat/internal/logging"
	"github.com/Hellblazer/seagoat/pkg/version"
)

var (
	repoFlag       string
	logLevelFlag   string
	loggingCleanup func()
)

// NewRootCmd creates the root command for the seagoat CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seagoat",
		Short: "Local semantic code search over a Git repository",
		Long: `SeaGOAT maintains a vector and regex index over the committed content
of a Git repository and answers natural-language or pattern queries
with ranked, context-bearing code locations.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("seagoat version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&repoFlag, "repo", "r", ".", "Repository path")
	cmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupLogging initializes file logging before any command runs.
func setupLogging(*cobra.Command, []string) error {
	cleanup, err := logging.SetupDefault(logLevelFlag)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	return nil
}

// loadConfig resolves the effective configuration for the --repo target.
func loadConfig() (*config.Config, string, error) {
	repoPath, err := absRepoPath(repoFlag)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(repoPath)
	if err != nil {
		return nil, "", err
	}
	if logLevelFlag != "" {
		cfg.Server.LogLevel = logLevelFlag
	}
	return cfg, repoPath, nil
}

func absRepoPath(path string) (string, error) {
	if path == "" {
		path = "."
	}
	return filepath.Abs(path)
}
