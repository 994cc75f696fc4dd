package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relaysync/internal/mountsync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "relaysync-mount",
		Short:        "Mirror relaysync items into a local directory",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v.SetEnvPrefix("RELAYSYNC")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, v)
		},
	}
	flags := cmd.Flags()
	flags.String("base-url", "http://127.0.0.1:8080", "relaysync base URL")
	flags.String("token", "", "bearer token")
	flags.String("remote-root", "", "item name prefix to mirror; empty mirrors everything")
	flags.String("local-dir", "", "local mirror directory")
	flags.String("state-file", "", "state file path")
	flags.Duration("interval", 30*time.Second, "sync interval")
	flags.Float64("interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	flags.Duration("timeout", 15*time.Second, "per-sync timeout")
	flags.Bool("watch", true, "sync on local edits and remote change notices")
	flags.Bool("once", false, "run one sync cycle and exit")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	logger, err := newLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	token := strings.TrimSpace(v.GetString("token"))
	if token == "" {
		return errors.New("token is required (--token or RELAYSYNC_TOKEN)")
	}
	localDir := strings.TrimSpace(v.GetString("local-dir"))
	if localDir == "" {
		return errors.New("local-dir is required (--local-dir or RELAYSYNC_LOCAL_DIR)")
	}
	userID, err := tokenSubject(token)
	if err != nil {
		return err
	}
	interval := v.GetDuration("interval")
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	jitter := clampJitterRatio(v.GetFloat64("interval-jitter"))

	client := mountsync.NewHTTPClient(v.GetString("base-url"), token, &http.Client{Timeout: timeout})
	syncer, err := mountsync.NewSyncer(client, mountsync.SyncerOptions{
		UserID:     userID,
		RemoteRoot: v.GetString("remote-root"),
		LocalRoot:  localDir,
		StateFile:  v.GetString("state-file"),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialize mount syncer: %w", err)
	}

	syncOnce := func(reason string) {
		cycleCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		started := time.Now()
		if err := syncer.SyncOnce(cycleCtx); err != nil {
			logger.Error("mount sync cycle failed", "reason", reason, "err", err)
			return
		}
		logger.Debug("mount sync cycle completed", "reason", reason, "took", time.Since(started))
	}

	syncOnce("startup")
	if v.GetBool("once") {
		return nil
	}

	var localEvents, remoteEvents <-chan struct{}
	if v.GetBool("watch") {
		// A websocket client without the request timeout; the
		// subscription is long-lived.
		remoteEvents = mountsync.WatchRemote(ctx, mountsync.NewHTTPClient(v.GetString("base-url"), token, &http.Client{}), logger)
		if localEvents, err = mountsync.WatchLocal(ctx, localDir, 500*time.Millisecond, logger); err != nil {
			logger.Warn("local watch unavailable; relying on interval", "err", err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		reason := "interval"
		select {
		case <-ctx.Done():
			logger.Info("mount sync stopping", "err", ctx.Err())
			return nil
		case <-timer.C:
		case _, ok := <-localEvents:
			if !ok {
				localEvents = nil
				continue
			}
			reason = "local"
		case _, ok := <-remoteEvents:
			if !ok {
				remoteEvents = nil
				continue
			}
			reason = "remote"
		}
		syncOnce(reason)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	}
}

// tokenSubject reads sub without verifying; the server checks the
// signature on every request.
func tokenSubject(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", errors.New("token has no sub claim")
	}
	return sub, nil
}

func newLogger(level string) (*slog.Logger, error) {
	lvl := slog.LevelInfo
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})), nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	return max(time.Duration(float64(base)*factor), time.Millisecond)
}
