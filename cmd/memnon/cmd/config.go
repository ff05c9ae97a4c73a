package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/memnon/configs"
	"github.com/Aman-CERP/memnon/internal/config"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/output"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration",
		Long: `Inspect and create configuration.

Configuration precedence (lowest to highest):
  1. Built-in defaults
  2. User config (~/.config/memnon/config.yaml)
  3. Project config (.memnon.yaml)
  4. .env in the project directory (MEMNON_* keys)
  5. Environment variables (MEMNON_*)`,
		Example: `  memnon config init
  memnon config validate
  memnon config show --json`,
	}

	cmd.AddCommand(newConfigInitCmd(g))
	cmd.AddCommand(newConfigValidateCmd(g))
	cmd.AddCommand(newConfigShowCmd(g))
	return cmd
}

func newConfigInitCmd(g *globalOptions) *cobra.Command {
	var (
		force    bool
		user     bool
		defaults bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented configuration template",
		Long: `Write the commented template to .memnon.yaml in the project directory,
or to the user config with --user. With --defaults every setting is
written out explicitly instead. An existing file is kept unless --force
is given, in which case it is backed up first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.ProjectConfigPath(g.dir)
			if user {
				path = config.GetUserConfigPath()
			}
			out := output.New(cmd.OutOrStdout())

			if _, err := os.Stat(path); err == nil && !force {
				out.Warningf("%s already exists (use --force to overwrite)", path)
				return nil
			}
			var (
				backup string
				err    error
			)
			if defaults {
				backup, err = config.NewConfig().WriteWithBackup(path)
			} else {
				backup, err = writeTemplate(path)
			}
			if err != nil {
				return err
			}
			if backup != "" {
				out.Statusf("", "previous config saved to %s", backup)
			}
			out.Successf("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead of the project config")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write every default value instead of the template")
	return cmd
}

func writeTemplate(path string) (string, error) {
	backup, err := config.BackupFile(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", merrors.ConfigError("failed to create config directory", err)
	}
	if err := os.WriteFile(path, []byte(configs.ProjectConfigTemplate), 0o644); err != nil {
		return "", merrors.ConfigError("failed to write "+path, err)
	}
	return backup, nil
}

func newConfigValidateCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			out.Successf("Configuration is valid: %d models, %s store, %s planner",
				len(cfg.Models), cfg.Store.Driver, cfg.Planner.Kind)
			return nil
		},
	}
}

func newConfigShowCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return merrors.InternalError("failed to marshal config", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
