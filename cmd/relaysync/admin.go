package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context(), relaysync.StoreOptions{})
			if err != nil {
				return err
			}
			defer store.Close()
			a.logger.Info("schema ready", "database", store.Database().Dialect())
			cmd.Println("schema ready")
			return nil
		},
	}
}

func newCompactCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop change history of long-deleted items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			retention := a.v.GetDuration("retention")
			if retention < 0 {
				return fmt.Errorf("retention must not be negative")
			}
			store, err := a.openStore(cmd.Context(), relaysync.StoreOptions{})
			if err != nil {
				return err
			}
			defer store.Close()
			stats, err := store.Compact(cmd.Context(), time.Now().Add(-retention))
			if err != nil {
				return err
			}
			a.logger.Info("compaction finished", "items", stats.Items, "removed", stats.Removed)
			out, err := json.Marshal(stats)
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().Duration("retention", 90*24*time.Hour, "keep change history younger than this")
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := a.v
			token, err := httpapi.IssueToken(v.GetString("jwt-secret"), v.GetString("user"), v.GetStringSlice("scope"), v.GetDuration("ttl"), time.Now())
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("jwt-secret", "", "HS256 secret shared with the server")
	flags.String("user", "", "token subject")
	flags.StringSlice("scope", nil, "granted scopes (default: all)")
	flags.Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
