package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/missionctl/pkg/storage"
)

func newDBCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the mission database",
	}

	openStore := func() (*storage.Store, error) {
		cfg, err := loadConfigFn(root.configPath)
		if err != nil {
			return nil, withExitCode(err, exitConfig)
		}
		return storage.New(cfg.Storage.Path)
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print row counts and database size as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	optimize := &cobra.Command{
		Use:   "optimize",
		Short: "Refresh planner statistics and checkpoint the write-ahead log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Optimize(cmd.Context())
		},
	}

	var out string
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Write a consistent copy of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return withExitCode(fmt.Errorf("--out is required"), exitConfig)
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Backup(cmd.Context(), out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up to %s\n", out)
			return nil
		},
	}
	backup.Flags().StringVar(&out, "out", "", "destination path for the backup (must not exist)")

	cmd.AddCommand(stats, optimize, backup)
	return cmd
}
