package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/memnon/internal/api"
	"github.com/Aman-CERP/memnon/internal/app"
	"github.com/Aman-CERP/memnon/internal/config"
	merrors "github.com/Aman-CERP/memnon/internal/errors"
	"github.com/Aman-CERP/memnon/internal/mcp"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		transport string
		addr      string
		noWatch   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve retrieval over MCP stdio or HTTP",
		Long: `Serve the core to an orchestration loop.

With --transport stdio (the default) the MCP protocol runs over
stdin/stdout and logs go only to the log file. With --transport http the
REST API is served under /api/v1 together with /mcp, /metrics and /healthz.

Edits to .memnon.yaml or .env are applied while running: search
parameters and model weights change in place, other sections are logged
as needing a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("transport") {
				cfg.Server.Transport = transport
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			// The watcher follows the layered lookup, so an explicit
			// --config file is never reloaded.
			watch := !noWatch && g.configFile == ""
			return runServe(cmd.Context(), g.dir, cfg, watch)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address for --transport http (default server.addr)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload configuration on file changes")
	return cmd
}

func runServe(ctx context.Context, dir string, cfg *config.Config, watch bool) error {
	stdio := cfg.Server.Transport == "stdio"
	cleanup, err := setupLogging(cfg, stdio)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("core_close_failed", slog.String("error", err.Error()))
		}
	}()

	srv, err := mcp.NewServer(a)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	if watch {
		w := config.NewWatcher(dir, cfg, a.Apply)
		eg.Go(func() error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("config_watch_failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	switch cfg.Server.Transport {
	case "stdio":
		eg.Go(func() error {
			defer cancel()
			return srv.Serve(ctx, "stdio")
		})
	case "http":
		handler := api.NewRouter(api.RouterConfig{
			Backend: a,
			Metrics: a.Metrics.Handler(),
			MCP:     srv.Handler(),
		})
		eg.Go(func() error {
			defer cancel()
			return api.NewServer(cfg.Server.Addr, handler).ListenAndServe(ctx)
		})
	default:
		return merrors.ConfigError("unknown server.transport "+cfg.Server.Transport, nil)
	}

	slog.Info("serve_started", slog.String("transport", cfg.Server.Transport), slog.String("addr", cfg.Server.Addr))
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
