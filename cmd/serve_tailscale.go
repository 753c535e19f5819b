package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"
	"tailscale.com/types/logger"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// initTailscale serves the API mux on a tailnet listener alongside the
// local one, so groups can reach the host without exposing a port. It
// returns a cleanup func, or nil when Tailscale is disabled or failed
// to start (the local listener still serves either way).
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if !cfg.Tailscale.Enabled {
		return nil
	}

	srv := &tsnet.Server{
		Hostname: cfg.Tailscale.Hostname,
		AuthKey:  cfg.Tailscale.AuthKey,
		Dir:      config.ExpandHome(cfg.Tailscale.StateDir),
		Logf:     logger.Discard,
	}

	ln, err := srv.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTP.Port))
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", cfg.Tailscale.Hostname, "error", err)
		srv.Close()
		return nil
	}
	slog.Info("tailscale listener up", "hostname", cfg.Tailscale.Hostname, "port", cfg.HTTP.Port)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tailscale serve failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
