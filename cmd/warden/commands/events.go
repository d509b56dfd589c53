package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/warden/pkg/stores"
	"github.com/openfroyo/warden/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the event store",
		Long: `Query events persisted by a running or past daemon.

Requires store.enabled in the config.`,
	}

	cmd.AddCommand(newEventsListCommand())
	cmd.AddCommand(newEventsRunsCommand())
	cmd.AddCommand(newEventsPruneCommand())

	return cmd
}

func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("the event store is disabled in %s", configPath)
	}
	return stores.Open(ctx, stores.Config{Path: cfg.StorePath()})
}

func newEventsListCommand() *cobra.Command {
	var (
		instanceID string
		kind       string
		after      uint64
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		Example: `  # Last 20 events of one instance
  warden events list --instance 6f1c0a52-3d1e-4a4e-9d5c-0c8f3a1b2c3d --limit 20

  # Macro lifecycle events only
  warden events list --kind macro_event`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := instanceFlag(instanceID)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListEvents(ctx, stores.EventQuery{
				Instance: uuid,
				Kind:     types.EventKind(kind),
				After:    types.Snowflake(after),
				Limit:    limit,
				Offset:   offset,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, list)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SNOWFLAKE\tTIME\tKIND\tCAUSED BY\tDETAILS")
			for _, e := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Snowflake, e.Snowflake.Time().Format(time.RFC3339), e.Inner.Type, e.CausedBy, e.Details)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&instanceID, "instance", "i", "", "only events of this instance")
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind (instance_event, macro_event, ...)")
	cmd.Flags().Uint64Var(&after, "after", 0, "only events newer than this snowflake")
	cmd.Flags().IntVarP(&limit, "limit", "l", stores.DefaultListLimit, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many events")

	return cmd
}

func newEventsRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List macro runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListMacroRuns(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, runs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tSTARTED\tINSTANCE\tEXIT")
			for _, r := range runs {
				instance, exit := "-", "running"
				if r.InstanceUUID != nil {
					instance = r.InstanceUUID.Short()
				}
				if r.ExitStatus != nil {
					exit = r.ExitStatus.Type
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.PID, r.Started.Time().Format(time.RFC3339), instance, exit)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", stores.DefaultListLimit, "maximum number of runs")
	return cmd
}

func newEventsPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete old events",
		Example: `  warden events prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneEvents(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("Events pruned")
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete events older than this")
	return cmd
}
