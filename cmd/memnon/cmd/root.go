// Package cmd provides the CLI commands for MEMNON.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/memnon/internal/app"
	"github.com/Aman-CERP/memnon/internal/config"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/logging"
	"github.com/Aman-CERP/memnon/internal/profiling"
	"github.com/Aman-CERP/memnon/pkg/version"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	dir        string
	configFile string
	logLevel   string
	profile    profiling.Options

	profiler *profiling.Session
}

// NewRootCmd creates the root command for the memnon CLI.
func NewRootCmd() *cobra.Command {
	var g globalOptions

	cmd := &cobra.Command{
		Use:   "memnon",
		Short: "Temporally-aware memory retrieval for long-form narratives",
		Long: `MEMNON retrieves earlier passages of an ongoing story for a given
narrative "now". It fuses several embedding models with lexical search,
boosts by recency and never returns a chunk written after the anchor.

Configuration is read from ~/.config/memnon/config.yaml, then .memnon.yaml
and .env in the project directory, then MEMNON_* environment variables.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("memnon version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&g.dir, "dir", "C", ".", "Project directory holding .memnon.yaml and .env")
	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "Load this config file instead of the layered lookup")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Heap, "profile-mem", "", "Write heap profile to file on exit")
	cmd.PersistentFlags().StringVar(&g.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		if !g.profile.Enabled() {
			return nil
		}
		s, err := profiling.Start(g.profile)
		if err != nil {
			return err
		}
		g.profiler = s
		return nil
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if g.profiler == nil {
			return nil
		}
		err := g.profiler.Stop()
		g.profiler = nil
		return err
	}

	cmd.AddCommand(newSearchCmd(&g))
	cmd.AddCommand(newIngestCmd(&g))
	cmd.AddCommand(newServeCmd(&g))
	cmd.AddCommand(newEvalCmd(&g))
	cmd.AddCommand(newStatusCmd(&g))
	cmd.AddCommand(newConfigCmd(&g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints a formatted error on failure.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(root.ErrOrStderr(), merrors.FormatForCLI(err))
	}
	return err
}

// loadConfig applies the layered lookup, or the explicit --config file.
func (g *globalOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configFile != "" {
		cfg, err = config.LoadFile(g.configFile)
	} else {
		cfg, err = config.Load(g.dir)
	}
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

// setupLogging installs the configured logger as the default. With stdio
// set, nothing is written to stderr.
func setupLogging(cfg *config.Config, stdio bool) (func(), error) {
	if stdio {
		return logging.SetupStdioSafe(cfg.LoggingSetup())
	}
	logger, cleanup, err := logging.Setup(cfg.LoggingSetup())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// session is an opened core plus the cleanup for everything it set up.
type session struct {
	cfg *config.Config
	app *app.App
}

// openSession loads config, sets up logging and opens the core. The
// returned close function is always non-nil.
func (g *globalOptions) openSession(ctx context.Context, stdio bool) (*session, func(), error) {
	noop := func() {}
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, noop, err
	}
	cleanup, err := setupLogging(cfg, stdio)
	if err != nil {
		return nil, noop, err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return &session{cfg: cfg, app: a}, func() {
		if err := a.Close(); err != nil {
			slog.Warn("core_close_failed", slog.String("error", err.Error()))
		}
		cleanup()
	}, nil
}

// stdinOr returns os.Stdin for "-" and opens path otherwise.
func stdinOr(path string) (*os.File, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, merrors.ValidationError(fmt.Sprintf("cannot open %s", path), err)
	}
	return f, func() { _ = f.Close() }, nil
}
