package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/journal"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var (
		path  string
		limit int
		prune time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List journaled sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Journal.Path
			}
			if path == "" {
				return fmt.Errorf("no journal configured (set journal.path or --journal)")
			}

			j, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer j.Close()

			ctx := cmd.Context()
			if prune > 0 {
				n, err := j.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(fmt.Sprintf("pruned %d sessions older than %v", n, prune)))
			}

			recs, err := j.List(ctx, limit)
			if err != nil {
				return err
			}
			totals, err := j.Totals(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSessions(recs, totals))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "journal", "", "Journal database (default: journal.path from config)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to show (0 = all)")
	cmd.Flags().DurationVar(&prune, "prune", 0, "Delete ended sessions older than this before listing")
	return cmd
}
