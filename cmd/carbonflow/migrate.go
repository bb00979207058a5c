package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/BaSui01/carbonflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrateCommand(ctx, args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// migrateCommand parses `migrate <subcommand> [flags] [n]` and runs it.
func migrateCommand(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(out)
		if len(args) < 1 {
			return fmt.Errorf("missing migrate subcommand")
		}
		return nil
	}

	subcommand := args[0]
	if !slices.Contains(migration.Subcommands, subcommand) {
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", subcommand)
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	path := fs.String("path", "", "Directory of migration files (default: embedded)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL, *path)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return cli.Run(ctx, subcommand, fs.Args())
}

// createMigrator builds a migrator from an explicit URL or from config.
func createMigrator(configPath, dbType, dbURL, path string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg, path)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(out io.Writer) {
	fmt.Fprintln(out, `Database Migration Commands

Usage:
  carbonflow migrate <subcommand> [options] [n]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  reset     Rollback all migrations
  steps n   Apply (n > 0) or rollback (n < 0) n migrations; use -- before a negative n
  goto v    Migrate to a specific version
  force v   Force set migration version (use with caution)
  status    Show migration status
  version   Show current migration version
  info      Show database and migration details

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --path <dir>        Migration files directory (default: embedded)

Examples:
  carbonflow migrate up
  carbonflow migrate up --config /etc/carbonflow/config.yaml
  carbonflow migrate goto 1
  carbonflow migrate status --db-type sqlite --db-url "file:carbonflow.db?mode=rwc"`)
}
