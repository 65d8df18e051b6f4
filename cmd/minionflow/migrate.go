package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/internal/migration"
)

// =============================================================================
// 🗄️ 账本 Schema 迁移命令
// =============================================================================

var errUsage = errors.New("usage")

func runMigrate(args []string) {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}
	if err := migrateCommand(context.Background(), args[0], args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			printMigrateUsage()
		} else {
			fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", args[0], err)
		}
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Job Ledger Migration Commands

Usage:
  minionflow migrate <subcommand> [version] [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --table <name>      Version table (default: mf_schema_migrations)

Examples:
  minionflow migrate up --config /etc/minionflow/master.yaml
  minionflow migrate status --db-type sqlite --db-url file:/var/lib/minionflow/ledger.db
  minionflow migrate goto 1
  minionflow migrate force 0`)
}

// migrateCommand 执行一个迁移子命令，结果写入 out
func migrateCommand(ctx context.Context, sub string, args []string, out io.Writer) error {
	var version string
	switch sub {
	case "up", "down", "status", "version", "reset":
	case "goto", "force":
		if len(args) < 1 {
			return fmt.Errorf("%w: minionflow migrate %s <version>", errUsage, sub)
		}
		version, args = args[0], args[1:]
	default:
		return fmt.Errorf("%w: unknown migrate subcommand %q", errUsage, sub)
	}

	mcfg, err := migrationConfig(sub, args)
	if err != nil {
		return err
	}
	m, err := migration.New(mcfg)
	if err != nil {
		return err
	}
	defer m.Close()
	cli := migration.NewCLI(m, out)

	switch sub {
	case "up":
		return cli.Up(ctx)
	case "down":
		return cli.Down(ctx)
	case "status":
		return cli.Status(ctx)
	case "version":
		return cli.Version(ctx)
	case "reset":
		return cli.Reset(ctx)
	case "goto":
		v, err := strconv.ParseUint(version, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: invalid version %q", errUsage, version)
		}
		return cli.Goto(ctx, uint(v))
	default:
		v, err := strconv.ParseInt(version, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: invalid version %q", errUsage, version)
		}
		return cli.Force(ctx, int(v))
	}
}

// migrationConfig 解析命令行参数；--db-type 与 --db-url 同时给出时不读配置文件
func migrationConfig(sub string, args []string) (*migration.Config, error) {
	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	table := fs.String("table", "", "Migration version table")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}

	if *dbType != "" && *dbURL != "" {
		t, err := migration.ParseDatabaseType(*dbType)
		if err != nil {
			return nil, err
		}
		return &migration.Config{DatabaseType: t, DatabaseURL: *dbURL, TableName: *table}, nil
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
	mcfg, err := migration.ConfigFromDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	mcfg.TableName = *table
	return mcfg, nil
}
