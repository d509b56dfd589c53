package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openfroyo/warden/pkg/app"
	"github.com/openfroyo/warden/pkg/config"
	"github.com/openfroyo/warden/pkg/telemetry"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - game server instance orchestration",
		Long: `Warden supervises game server instances and the macros that automate them.

Instances are either native processes or packages whose lifecycle is driven by
a sandboxed Starlark or WASM worker. Every state change, console line and macro
lifecycle step is published on an event bus and, optionally, persisted.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newInstanceCommand())
	rootCmd.AddCommand(newMacroCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the config named by --config, honouring --verbose and
// LOG_LEVEL for the daemon's own logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Telemetry.Logging.Level = level
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, cfg.Telemetry.Validate()
}

// openApp builds the application from the config. The returned func releases it.
func openApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a, err := app.New(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	closeFn := func() {
		shutdown := context.WithoutCancel(ctx)
		_ = a.Close(shutdown)
		_ = tel.Shutdown(shutdown)
	}
	return a, closeFn, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
