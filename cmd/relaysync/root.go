package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const envPrefix = "RELAYSYNC"

// app carries what every subcommand needs once flags, environment and the
// config file are merged.
type app struct {
	v         *viper.Viper
	logger    *slog.Logger
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "relaysync",
		Short:         "Item synchronization and change-tracking server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-file", "", "write JSON logs to this rotated file instead of stderr")
	flags.String("database-dsn", "sqlite://relaysync.db", "metadata database: postgres://..., sqlite://path, or memory://")
	flags.String("content-dsn", "", "content store: empty or db:// for the database, file:///dir for files")

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newCompactCmd(a), newTokenCmd(a))
	return root
}

// init binds the command's flags to RELAYSYNC_* variables and the config
// file, then builds the logger. Flags set on the command line win.
func (a *app) init(cmd *cobra.Command) error {
	v := a.v
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	logger, closer, err := newLogger(v.GetString("log-level"), v.GetString("log-file"), os.Stderr)
	if err != nil {
		return err
	}
	a.logger = logger
	a.logCloser = closer
	return nil
}

func (a *app) openStore(ctx context.Context, opts relaysync.StoreOptions) (*relaysync.Store, error) {
	opts.Logger = a.logger
	store, err := relaysync.OpenStore(ctx, a.v.GetString("database-dsn"), a.v.GetString("content-dsn"), opts)
	if err != nil {
		if errors.Is(err, relaysync.ErrNotImplemented) {
			return nil, fmt.Errorf("backend not available in this build: %w", err)
		}
		return nil, err
	}
	return store, nil
}
