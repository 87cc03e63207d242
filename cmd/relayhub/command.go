package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/relayhub/internal/infrastructure/config"
	"github.com/nerrad567/relayhub/internal/infrastructure/database"
	_ "github.com/nerrad567/relayhub/migrations"
)

// Default configuration file path
const defaultConfigPath = "configs/relayhub.yaml"

// NewRootCommand builds the relayhub command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relayhub",
		Short:         "Device registry and command hub for relay boards",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $RELAYHUB_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		newServeCommand(&configPath),
		newMigrateCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and MQTT endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				db, err := openForMigrate(c, *configPath)
				if err != nil {
					return err
				}
				defer db.Close()

				n, err := db.Migrate(c.Context())
				if err != nil {
					return fmt.Errorf("running migrations: %w", err)
				}
				fmt.Fprintf(c.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				db, err := openForMigrate(c, *configPath)
				if err != nil {
					return err
				}
				defer db.Close()

				if err := db.MigrateDown(c.Context()); err != nil {
					return fmt.Errorf("rolling back migration: %w", err)
				}
				fmt.Fprintln(c.OutOrStdout(), "rolled back latest migration")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				db, err := openForMigrate(c, *configPath)
				if err != nil {
					return err
				}
				defer db.Close()

				applied, pending, err := db.MigrationStatus(c.Context())
				if err != nil {
					return err
				}
				printMigrationStatus(c.OutOrStdout(), applied, pending)
				return nil
			},
		},
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relayhub %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func openForMigrate(cmd *cobra.Command, flagPath string) (*database.DB, error) {
	cfg, err := loadConfig(flagPath)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != config.StorageSQLite {
		return nil, fmt.Errorf("migrations apply to the sqlite driver, configured driver is %q", cfg.Storage.Driver)
	}
	db, err := database.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func printMigrationStatus(w io.Writer, applied []database.MigrationRecord, pending []database.Migration) {
	for _, r := range applied {
		fmt.Fprintf(w, "applied  %s  %s\n", r.Version, r.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "pending  %s  %s\n", m.Version, m.Name)
	}
	if len(applied) == 0 && len(pending) == 0 {
		fmt.Fprintln(w, "no migrations found")
	}
}

// getConfigPath returns the configuration file path: the flag, then the
// RELAYHUB_CONFIG environment variable, then the default. explicit reports
// whether the path was asked for rather than defaulted.
func getConfigPath(flagPath string) (path string, explicit bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if path := os.Getenv("RELAYHUB_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// loadConfig reads the configuration file. A missing default file falls
// back to the built-in defaults; a missing explicit file is an error.
func loadConfig(flagPath string) (*config.Config, error) {
	path, explicit := getConfigPath(flagPath)

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		if verr := cfg.Validate(); verr != nil {
			return nil, fmt.Errorf("validating default config: %w", verr)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("loading config %s: %w", path, err)
}
