package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.Bool("maintenance", false, "allow DELETE /api/items/root to wipe a tenant")
	flags.Int("rate-limit-max", 0, "requests per user per window; 0 disables")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.Int64("max-body-bytes", 1<<20, "maximum JSON request body")
	flags.String("upload-dir", "", "directory for staged uploads (default: system temp)")
	flags.Int64("max-upload-bytes", 64<<20, "maximum upload size")
	flags.Duration("compact-interval", time.Hour, "change log compaction interval; 0 disables")
	flags.Duration("compact-retention", 90*24*time.Hour, "keep change history younger than this")
	flags.Duration("subscribe-poll", time.Second, "how often delta subscriptions check for changes")
	flags.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	v := a.v
	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required (--jwt-secret or RELAYSYNC_JWT_SECRET)")
	}
	store, err := a.openStore(ctx, relaysync.StoreOptions{
		MaintenanceMode:  v.GetBool("maintenance"),
		UploadDir:        v.GetString("upload-dir"),
		MaxUploadBytes:   v.GetInt64("max-upload-bytes"),
		CompactInterval:  v.GetDuration("compact-interval"),
		CompactRetention: v.GetDuration("compact-retention"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:             secret,
		RateLimitMax:          v.GetInt("rate-limit-max"),
		RateLimitWindow:       v.GetDuration("rate-limit-window"),
		MaxBodyBytes:          v.GetInt64("max-body-bytes"),
		SubscribePollInterval: v.GetDuration("subscribe-poll"),
		Logger:                a.logger,
	})
	defer server.Close()

	addr := v.GetString("addr")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "relaysync listening", "addr", addr, "maintenance", store.MaintenanceMode())
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		a.logger.Info("server stopped")
	}
	return nil
}
