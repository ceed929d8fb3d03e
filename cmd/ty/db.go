package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/threadyard/internal/config"
	"github.com/zulandar/threadyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Content store management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the content store",
		Long:  "Creates the database if needed and migrates tables, or creates indexes for document stores.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Threadyard config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, _, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded config from %s (%d channels)\n", configPath, len(cfg.Channels))

	if cfg.Store.Driver == config.DriverMySQL {
		admin, err := db.ConnectMySQL(cfg.Store.User, cfg.Store.Host, cfg.Store.Port, "")
		if err != nil {
			return fmt.Errorf("connect to %s:%d: %w", cfg.Store.Host, cfg.Store.Port, err)
		}
		err = db.CreateDatabase(admin, cfg.Store.Database)
		if sqlDB, derr := admin.DB(); derr == nil {
			sqlDB.Close()
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Store.Database)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	switch cfg.Store.Driver {
	case config.DriverSQLite:
		fmt.Fprintf(out, "Migrated %d tables in %s\n", len(db.AllModels()), cfg.Store.Path)
	case config.DriverMySQL:
		fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	default:
		fmt.Fprintf(out, "%s store ready\n", cfg.Store.Driver)
	}
	return nil
}
