package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vrijsinghani/seoclientmanager-sub000/config"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/database"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/migration"
)

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		withMigrator(subargs, func(cli *migration.CLI, ctx context.Context) error {
			return cli.RunUp(ctx)
		})
	case "down":
		withMigrator(subargs, func(cli *migration.CLI, ctx context.Context) error {
			return cli.RunDown(ctx)
		})
	case "status":
		withMigrator(subargs, func(cli *migration.CLI, ctx context.Context) error {
			return cli.RunStatus(ctx)
		})
	case "version":
		withMigrator(subargs, func(cli *migration.CLI, ctx context.Context) error {
			return cli.RunVersion(ctx)
		})
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		withMigrator(subargs, func(cli *migration.CLI, ctx context.Context) error {
			return cli.RunDownAll(ctx)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  seomanager migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
}

// createMigrator builds a migrator either from explicit flags or from the
// loaded configuration.
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		t, err := migration.ParseDatabaseType(*dbType)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(&migration.Config{DatabaseType: t, DatabaseURL: *dbURL})
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}

	t, url, err := migrationTarget(cfg.Database)
	if err != nil {
		return nil, err
	}
	return migration.NewMigrator(&migration.Config{DatabaseType: t, DatabaseURL: url})
}

// migrationTarget converts the database section into a migration URL. The
// postgres DSN is expected in URL form; sqlite paths get the file scheme.
func migrationTarget(cfg database.Config) (migration.DatabaseType, string, error) {
	t, err := migration.ParseDatabaseType(cfg.Driver)
	if err != nil {
		return "", "", err
	}
	url := cfg.DSN
	if t == migration.DatabaseTypeSQLite && !strings.HasPrefix(url, "file:") {
		url = "file:" + url
	}
	return t, url, nil
}

func withMigrator(args []string, run func(*migration.CLI, context.Context) error) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := run(migration.NewCLI(migrator), context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: seomanager migrate goto <version>\n")
		os.Exit(1)
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}
	withMigrator(args[1:], func(cli *migration.CLI, ctx context.Context) error {
		return cli.RunGoto(ctx, uint(version))
	})
}

func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: seomanager migrate force <version>\n")
		os.Exit(1)
	}
	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}
	withMigrator(args[1:], func(cli *migration.CLI, ctx context.Context) error {
		return cli.RunForce(ctx, int(version))
	})
}
