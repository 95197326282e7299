//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

// serveTailscale joins the tailnet and serves the gateway mux on an
// embedded tsnet listener alongside the main one. Compiled in with
// `go build -tags tsnet`.
func serveTailscale(ctx context.Context, group *errgroup.Group, cfg *config.Config, mux http.Handler, log *slog.Logger) {
	if cfg.Tailscale.Hostname == "" {
		return
	}

	ts := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       tailscaleStateDir(cfg),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
		Logf: func(format string, args ...any) {
			log.Debug("tsnet: " + fmt.Sprintf(format, args...))
		},
	}

	var (
		ln  net.Listener
		err error
	)
	if cfg.Tailscale.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":80")
	}
	if err != nil {
		log.Error("tailscale.listen_failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		ts.Close()
		return
	}
	log.Info("tailscale.listening", "hostname", cfg.Tailscale.Hostname, "tls", cfg.Tailscale.EnableTLS)
	if cfg.Gateway.Host == "0.0.0.0" {
		log.Info("tailscale enabled; consider NODEGATE_HOST=127.0.0.1 for localhost-only + tailnet access")
	}

	srv := &http.Server{Handler: mux}
	serveWithShutdown(ctx, group, srv, func() error {
		defer ts.Close()
		return srv.Serve(ln)
	})
}

func tailscaleStateDir(cfg *config.Config) string {
	if cfg.Tailscale.StateDir != "" {
		return config.ExpandHome(cfg.Tailscale.StateDir)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "" // let tsnet pick its default
	}
	return filepath.Join(base, "tsnet-nodegate")
}
