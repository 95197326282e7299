package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/gateway"
	"github.com/nextlevelbuilder/nodegate/internal/telemetry"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default when no subcommand is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logger := setupLogging()
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	stores, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("store.open_failed", "mode", cfg.Database.Mode, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("telemetry.setup_failed", "error", err)
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	gw := gateway.New(cfg, nil, stores, logger)
	if err := gw.Warmup(ctx); err != nil {
		logger.Error("gateway.warmup_failed", "error", err)
		os.Exit(1)
	}

	// Hot reload: the watcher swaps cfg in place and ApplyConfig
	// reconciles every subsystem with the new values.
	if err := config.WatchFile(ctx, cfgPath, cfg, logger, gw.ApplyConfig); err != nil {
		logger.Warn("config.watch_unavailable", "path", cfgPath, "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("gateway.shutdown_signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("nodegate starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", cfg.Gateway.ListenAddr(),
		"auth_mode", cfg.Auth.Mode,
		"database", databaseMode(cfg),
	)

	// Build the mux once so extra listeners (Tailscale) serve the same
	// routes as the main listener.
	mux := gw.Server().BuildMux()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return gw.Start(groupCtx)
	})
	serveTailscale(groupCtx, group, cfg, mux, logger)

	if err := group.Wait(); err != nil {
		logger.Error("gateway.exit", "error", err)
		os.Exit(1)
	}
}

func databaseMode(cfg *config.Config) string {
	if cfg.IsManagedMode() {
		return "managed"
	}
	return "standalone"
}

// serveWithShutdown runs serve inside the group and shuts srv down when
// the group context ends.
func serveWithShutdown(ctx context.Context, group *errgroup.Group, srv *http.Server, serve func() error) {
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}
