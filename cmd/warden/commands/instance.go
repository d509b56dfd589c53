package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/instance"
	"github.com/openfroyo/warden/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInstanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"instances"},
		Short:   "Create and inspect instances",
		Long: `Create and inspect game server instances.

An instance is either:
  - native: a process warden launches and supervises directly
  - generic: a package whose Starlark or WASM worker drives the server`,
	}

	cmd.AddCommand(newInstanceCreateCommand())
	cmd.AddCommand(newInstanceListCommand())
	cmd.AddCommand(newInstanceSetupManifestCommand())
	cmd.AddCommand(newInstanceRunCommand())

	return cmd
}

func newInstanceCreateCommand() *cobra.Command {
	var (
		name        string
		pkgDir      string
		answersFile string
		port        uint32
		command     string
		cmdArgs     []string
		stopCommand string
		autoStart   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance",
		Long: `Create an instance from a package or a native command.

With --package the package's setup manifest is answered from --answers (a YAML
file shaped like a setup value) and the package worker sets the instance up.
With --command a native instance is created directly.`,
		Example: `  # Create a generic instance from a package
  warden instance create --package ./packages/minecraft --answers lobby.yaml

  # Create a native instance
  warden instance create --name lobby --command ./server.sh --arg --nogui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (pkgDir == "") == (command == "") {
				return fmt.Errorf("exactly one of --package or --command is required")
			}
			ctx := cmd.Context()
			a, closeFn, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			var cfg types.InstanceConfig
			if pkgDir != "" {
				var setup types.SetupValue
				if answersFile != "" {
					data, err := os.ReadFile(answersFile)
					if err != nil {
						return fmt.Errorf("failed to read answers: %w", err)
					}
					if err := yaml.Unmarshal(data, &setup); err != nil {
						return fmt.Errorf("failed to parse answers: %w", err)
					}
				}
				if name != "" {
					setup.Name = name
				}
				if cmd.Flags().Changed("auto-start") {
					setup.AutoStart = autoStart
				}
				g, err := a.CreateGeneric(ctx, pkgDir, instance.CreateRequest{Setup: setup, Port: port})
				if err != nil {
					return err
				}
				cfg = g.Config()
			} else {
				n, err := a.CreateNative(types.InstanceConfig{
					Name:        name,
					Port:        port,
					AutoStart:   autoStart,
					Command:     command,
					Args:        cmdArgs,
					StopCommand: stopCommand,
				})
				if err != nil {
					return err
				}
				cfg = n.Config()
			}

			log.Info().
				Str("uuid", cfg.UUID.String()).
				Str("name", cfg.Name).
				Str("kind", string(cfg.Kind)).
				Msg("Instance created")
			if jsonOutput {
				return printJSON(cmd, cfg)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.UUID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "instance name")
	cmd.Flags().StringVarP(&pkgDir, "package", "p", "", "package directory for a generic instance")
	cmd.Flags().StringVar(&answersFile, "answers", "", "YAML setup answers for --package")
	cmd.Flags().Uint32Var(&port, "port", 0, "server port")
	cmd.Flags().StringVar(&command, "command", "", "executable for a native instance")
	cmd.Flags().StringArrayVar(&cmdArgs, "arg", nil, "argument for --command (repeatable)")
	cmd.Flags().StringVar(&stopCommand, "stop-command", "", "console command that stops a native instance")
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "start the instance when the daemon starts")

	return cmd
}

func newInstanceListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeFn, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			a.Restore(ctx)

			summaries := a.Instances.ListInstances(ctx)
			if jsonOutput {
				return printJSON(cmd, summaries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tNAME\tKIND\tSTATE")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.UUID, s.Name, s.Kind, s.State)
			}
			return w.Flush()
		},
	}
	return cmd
}

func newInstanceSetupManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup-manifest <package-dir>",
		Short: "Print the setup questions of a package",
		Example: `  warden instance setup-manifest ./packages/minecraft`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closeFn, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			manifest, err := a.SetupManifest(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, manifest)
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(manifest)
		},
	}
	return cmd
}

func newInstanceRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <uuid>",
		Short: "Run one instance in the foreground",
		Long: `Start one instance and follow its console until interrupted, then stop it.

Console input is not forwarded; use macros to send commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := types.ParseInstanceUUID(args[0])
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

			inst, err := a.Instances.Get(uuid)
			if err != nil {
				return err
			}
			rx := a.Bus.Subscribe()
			if err := inst.Start(ctx, types.CausedBySystem(), true); err != nil {
				return err
			}
			defer a.Shutdown(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			for {
				e, err := rx.Next(ctx, events.InstanceEvents(uuid))
				if err != nil {
					if events.IsLagged(err) {
						continue
					}
					return nil
				}
				ie := e.Inner.Instance.Inner
				switch ie.Type {
				case types.InstanceEventOutput:
					fmt.Fprintln(out, ie.Message)
				case types.InstanceEventStateTransition:
					log.Info().Str("state", string(ie.To)).Msg("Instance state changed")
					if ie.To == types.InstanceStateStopped || ie.To == types.InstanceStateError {
						return nil
					}
				}
			}
		},
	}
	return cmd
}
