//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

// serveTailscale is a no-op unless the binary is built with -tags tsnet.
func serveTailscale(_ context.Context, _ *errgroup.Group, cfg *config.Config, _ http.Handler, log *slog.Logger) {
	if cfg.Tailscale.Hostname != "" {
		log.Warn("tailscale.hostname is set but this build lacks tsnet support; rebuild with -tags tsnet")
	}
}
