package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/warden/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMacroCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "macro",
		Aliases: []string{"macros"},
		Short:   "List and run macros",
		Long: `List and run macro scripts.

Macros are looked up in the instance's own macros directory first, then in the
global macros directory.`,
	}

	cmd.AddCommand(newMacroListCommand())
	cmd.AddCommand(newMacroRunCommand())

	return cmd
}

// instanceFlag parses --instance; empty means no instance.
func instanceFlag(raw string) (*types.InstanceUUID, error) {
	if raw == "" {
		return nil, nil
	}
	uuid, err := types.ParseInstanceUUID(raw)
	if err != nil {
		return nil, err
	}
	return &uuid, nil
}

func newMacroListCommand() *cobra.Command {
	var instanceID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available macros",
		Example: `  # Global macros
  warden macro list

  # Macros visible to one instance
  warden macro list --instance 6f1c0a52-3d1e-4a4e-9d5c-0c8f3a1b2c3d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := instanceFlag(instanceID)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, closeFn, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			if uuid != nil {
				a.Restore(ctx)
			}

			names, err := a.ListMacros(uuid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&instanceID, "instance", "i", "", "instance UUID")
	return cmd
}

func newMacroRunCommand() *cobra.Command {
	var instanceID string

	cmd := &cobra.Command{
		Use:   "run <name> [args...]",
		Short: "Run a macro and wait for it to exit",
		Long: `Run a macro and wait for it to exit.

The instance, when given, is restored but not started; the macro may start it.
Interrupting the command kills the macro and its bound children.`,
		Example: `  warden macro run backup --instance 6f1c0a52-3d1e-4a4e-9d5c-0c8f3a1b2c3d -- daily`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := instanceFlag(instanceID)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, closeFn, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			a.Restore(ctx)
			defer a.Shutdown(context.WithoutCancel(ctx))

			pid, err := a.RunMacro(ctx, args[0], args[1:], uuid, types.CausedBySystem(), false)
			if err != nil {
				return err
			}
			log.Info().Uint64("pid", uint64(pid)).Str("macro", args[0]).Msg("Macro started")

			status, err := a.Macros.Wait(ctx, pid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.Type)
			if status.Type != "success" {
				return fmt.Errorf("macro %s exited with %s: %s", args[0], status.Type, status.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&instanceID, "instance", "i", "", "bind the macro to this instance")
	return cmd
}
