package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the warden daemon",
		Long: `Run the daemon until interrupted.

On start the daemon:
  - restores every instance under the instances dir
  - starts instances flagged auto_start
  - persists events to the event store
  - reloads sandbox policies when they change
  - serves Prometheus metrics when enabled

On interrupt it kills running macros and stops every instance.`,
		Example: `  # Serve with ./warden.yaml
  warden serve

  # Serve with an explicit config and debug logging
  warden serve -c /etc/warden/warden.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeFn, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			n := a.Restore(ctx)
			log.Info().
				Int("instances", n).
				Str("data_dir", a.Config.DataDir).
				Str("sandbox", a.Config.Sandbox.Host).
				Msg("Starting warden")
			return a.Serve(ctx)
		},
	}
	return cmd
}
