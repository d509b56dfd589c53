package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/warden/pkg/config"
	"github.com/openfroyo/warden/pkg/instance"
	"github.com/openfroyo/warden/pkg/policy"
	"github.com/openfroyo/warden/pkg/sandbox"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var skipInstances bool

	cmd := &cobra.Command{
		Use:   "validate [package-dir...]",
		Short: "Validate the configuration, instances and packages",
		Long: `Validate warden's configuration without starting anything.

This command checks:
  - the daemon config file
  - sandbox policies (OPA/rego) under policy_dir
  - every persisted instance config against the instance schema
  - the manifest and entrypoint checksum of each package given`,
		Example: `  # Validate ./warden.yaml and its instances
  warden validate

  # Also validate two packages
  warden validate ./packages/minecraft ./packages/factorio`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info().Str("config", configPath).Msg("Config is valid")

			var problems []error
			if paths := cfg.PolicyPaths(); len(paths) > 0 {
				engine, err := policy.NewEngine(log.Logger)
				if err != nil {
					return err
				}
				if err := engine.LoadPolicies(ctx, paths); err != nil {
					problems = append(problems, err)
				}
			}

			schemas := config.NewSchemaRegistry()
			if !skipInstances {
				problems = append(problems, validateInstances(cfg.InstancesPath(), schemas)...)
			}
			for _, dir := range args {
				if err := validatePackage(dir); err != nil {
					problems = append(problems, fmt.Errorf("%s: %w", dir, err))
				}
			}

			for _, p := range problems {
				fmt.Fprintln(cmd.ErrOrStderr(), p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problem(s) found", len(problems))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipInstances, "skip-instances", false, "do not validate persisted instances")
	return cmd
}

func validateInstances(root string, schemas *config.SchemaRegistry) []error {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return []error{err}
	}
	var problems []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, instance.ConfigFile)); err != nil {
			continue
		}
		cfg, err := instance.LoadConfig(dir)
		if err == nil {
			err = schemas.ValidateInstanceConfig(cfg)
		}
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		log.Debug().Str("instance", cfg.Name).Msg("Instance config is valid")
	}
	return problems
}

func validatePackage(dir string) error {
	pkg, err := sandbox.NewManifestLoader().LoadFromDir(dir)
	if err != nil {
		return err
	}
	if pkg.Manifest.Checksum != "" {
		if err := pkg.VerifyChecksum(); err != nil {
			return err
		}
	}
	log.Debug().Str("package", pkg.Manifest.Name).Msg("Package is valid")
	return nil
}
