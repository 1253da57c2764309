package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voyagen/tvguide/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := store.RunMigrations(cfg.DatabaseURL, migrationsPath()); err != nil {
			return err
		}
		return printVersion(cmd, cfg.DatabaseURL)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := store.RollbackMigrations(cfg.DatabaseURL, migrationsPath(), steps); err != nil {
			return err
		}
		return printVersion(cmd, cfg.DatabaseURL)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printVersion(cmd, cfg.DatabaseURL)
	},
}

func printVersion(cmd *cobra.Command, dsn string) error {
	v, dirty, err := store.SchemaVersion(dsn, migrationsPath())
	if err != nil {
		return err
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d%s\n", v, suffix)
	return nil
}

func init() {
	migrateDownCmd.Flags().Int("steps", 1, "Number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
