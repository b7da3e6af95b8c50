package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Hellblazer/seagoat/internal/facade"
	"github.com/Hellblazer/seagoat/internal/output"
)

// newQueryCmd runs a one-shot query: analyze if needed, then search.
func newQueryCmd() *cobra.Command {
	var (
		limitLines   int
		contextAbove int
		contextBelow int
		include      []string
		exclude      []string
		maxResults   int
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the repository with a natural-language or regex query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			opts := facade.QueryOptions{
				LimitLines:   limitLines,
				ContextAbove: contextAbove,
				ContextBelow: contextBelow,
				IncludeGlobs: include,
				ExcludeGlobs: exclude,
				MaxResults:   maxResults,
			}
			if timeout > 0 {
				opts.Deadline = time.Now().Add(timeout)
			}

			qh, err := f.SubmitQuery(strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			v, err := qh.Wait(cmd.Context())
			if err != nil {
				return err
			}

			plain := !isatty.IsTerminal(os.Stdout.Fd())
			w := output.New(cmd.OutOrStdout(), plain)
			resp, ok := v.(*facade.QueryResponse)
			if !ok {
				return fmt.Errorf("unexpected query result type %T", v)
			}
			w.QueryResponse(resp)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limitLines, "limit", "l", 500, "Maximum result lines")
	cmd.Flags().IntVar(&contextAbove, "context-above", 3, "Context lines above each hit")
	cmd.Flags().IntVar(&contextBelow, "context-below", 3, "Context lines below each hit")
	cmd.Flags().StringSliceVar(&include, "include", nil, "Only include paths matching these globs")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Exclude paths matching these globs")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Maximum result blocks (0 = unlimited)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Query deadline (0 = none)")

	return cmd
}
