// Package cli is the operational surface for the store: health checks,
// repair, backup rotation, and lease inspection, independent of the
// automatic repair path inside the engine.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/tickstore/internal/config"
	"github.com/mistakeknot/tickstore/internal/core"
	"github.com/mistakeknot/tickstore/internal/storage/sqlite"
)

type configLoader func() (config.Config, error)

// New builds the root command.
func New() *cobra.Command {
	var cfgPath, dbPath string

	root := &cobra.Command{
		Use:           "tickstore",
		Short:         "Operate the trading-worker persistence store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return cfg, err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		return cfg, nil
	}

	root.AddCommand(
		newCheckCmd(load),
		newRepairCmd(load),
		newBackupCmd(load),
		newBackupsCmd(load),
		newRestoreCmd(load),
		newVerifyCmd(load),
		newPruneCmd(load),
		newClaimsCmd(load),
	)
	return root
}

func newCheckCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the integrity monitor against the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			rep := sqlite.NewChecker(cfg.DBPath).Check()
			if rep.OK() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfg.DBPath)
				return nil
			}
			return fmt.Errorf("%s: %s: %s", cfg.DBPath, rep.State, rep.Details)
		},
	}
}

func newRepairCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Back up, compact, and if needed restore the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			r := sqlite.NewRepairer(cfg.DBPath, sqlite.NewBackupManager(cfg.DBPath), sqlite.NewChecker(cfg.DBPath))
			if err := r.Repair(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: repaired\n", cfg.DBPath)
			return nil
		},
	}
}

func newBackupCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Take a timestamped backup of the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			path, err := sqlite.NewBackupManager(cfg.DBPath).Backup()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newBackupsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			list, err := sqlite.NewBackupManager(cfg.DBPath).List()
			if err != nil {
				return err
			}
			for _, b := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", b.Path, b.Timestamp.Format(time.RFC3339), b.Size)
			}
			return nil
		},
	}
}

func newRestoreCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [backup-path]",
		Short: "Restore the database from a backup (newest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			if err := sqlite.NewBackupManager(cfg.DBPath).Restore(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: restored\n", cfg.DBPath)
			return nil
		},
	}
}

func newVerifyCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Run integrity checks over every backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			list, err := sqlite.NewBackupManager(cfg.DBPath).List()
			if err != nil {
				return err
			}

			reports := make([]core.HealthReport, len(list))
			g, _ := errgroup.WithContext(cmd.Context())
			g.SetLimit(4)
			for i, b := range list {
				i, b := i, b
				g.Go(func() error {
					reports[i] = sqlite.NewChecker(b.Path).Check()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			var bad int
			for i, b := range list {
				state := reports[i].State.String()
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", b.Path, state)
				if !reports[i].OK() {
					bad++
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d backup(s) failed verification", bad)
			}
			return nil
		},
	}
}

func newPruneCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete backups beyond the retention count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			removed, err := sqlite.NewBackupManager(cfg.DBPath).Prune(cfg.BackupKeep)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to prune")
				return nil
			}
			for _, path := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", path)
			}
			return nil
		},
	}
}

func newClaimsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "claims",
		Short: "List unexpired advisory leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			g, err := sqlite.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer g.Close()

			leases, err := sqlite.NewLeaseTable(g).Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			for _, l := range leases {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\texpires %s\n",
					l.ID, l.HolderID, l.Hostname, l.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
