package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/KanopusDev/Kale/internal/config"
	"github.com/KanopusDev/Kale/internal/version"
	"github.com/KanopusDev/Kale/migrations"
)

const (
	exitOK      = 0
	exitUsage   = 2
	exitConfig  = 3
	exitMigrate = 4
)

// migrateCmd is a parsed "migrate" invocation. Target is only set for up-to and down-to.
type migrateCmd struct {
	Name   string
	Target int64
}

type migrateRunnerFunc func(ctx context.Context, databaseURL string, cmd migrateCmd) error

var (
	migrateRunner migrateRunnerFunc = realMigrateRunner
	osExit                          = os.Exit
	stdout        io.Writer         = os.Stdout
	stderr        io.Writer         = os.Stderr
)

const migrateTimeout = 5 * time.Minute

func handleCLICommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	var code int
	switch args[0] {
	case "migrate":
		code = runMigrate(args[1:])
	case "version", "--version":
		fmt.Fprintln(stdout, version.String())
	case "help", "-h", "--help":
		printHelp(stdout)
	default:
		return false
	}
	osExit(code)
	return true
}

func parseMigrateArgs(args []string) (migrateCmd, error) {
	if len(args) == 0 {
		return migrateCmd{}, errors.New("missing migrate subcommand (up|up-to|down|down-to|status|version)")
	}
	cmd := migrateCmd{Name: args[0]}
	switch cmd.Name {
	case "up", "down", "status", "version":
		if len(args) > 1 {
			return migrateCmd{}, fmt.Errorf("migrate %s takes no arguments", cmd.Name)
		}
	case "up-to", "down-to":
		if len(args) != 2 {
			return migrateCmd{}, fmt.Errorf("migrate %s requires a target version", cmd.Name)
		}
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || v < 0 {
			return migrateCmd{}, fmt.Errorf("invalid target version %q", args[1])
		}
		cmd.Target = v
	default:
		return migrateCmd{}, fmt.Errorf("unknown migrate subcommand: %s", cmd.Name)
	}
	return cmd, nil
}

func runMigrate(args []string) int {
	cmd, err := parseMigrateArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return exitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := migrateRunner(ctx, cfg.DatabaseURL, cmd); err != nil {
		fmt.Fprintf(stderr, "migrate %s failed: %v\n", cmd.Name, err)
		return exitMigrate
	}
	return exitOK
}

// migrationSource prefers MIGRATIONS_DIR on disk and falls back to the embedded set.
func migrationSource() fs.FS {
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func realMigrateRunner(ctx context.Context, databaseURL string, cmd migrateCmd) error {
	if databaseURL == "" {
		return errors.New("DATABASE_URL is empty")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, migrationSource())
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	defer p.Close()

	switch cmd.Name {
	case "up":
		res, err := p.Up(ctx)
		printResults(res)
		return err
	case "up-to":
		res, err := p.UpTo(ctx, cmd.Target)
		printResults(res)
		return err
	case "down":
		res, err := p.Down(ctx)
		if res != nil {
			printResults([]*goose.MigrationResult{res})
		}
		return err
	case "down-to":
		res, err := p.DownTo(ctx, cmd.Target)
		printResults(res)
		return err
	case "status":
		st, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range st {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(stdout, "%5d  %-25s  %s\n", s.Source.Version, applied, s.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, v)
		return nil
	}
	return fmt.Errorf("unsupported migrate subcommand %q", cmd.Name)
}

func printResults(res []*goose.MigrationResult) {
	if len(res) == 0 {
		fmt.Fprintln(stdout, "no migrations to run")
		return
	}
	for _, r := range res {
		fmt.Fprintf(stdout, "%-4s %5d  %s  (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `Kale API

Usage:
  kale-api                      Start the API server
  kale-api migrate up           Apply all pending migrations
  kale-api migrate up-to N      Apply migrations up to version N
  kale-api migrate down         Roll back the latest migration
  kale-api migrate down-to N    Roll back to version N
  kale-api migrate status       List migrations and when they were applied
  kale-api migrate version      Print the current schema version
  kale-api version              Print the build version

Migrations are embedded in the binary; set MIGRATIONS_DIR to run them from disk instead.
`)
}
