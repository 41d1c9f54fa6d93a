// Command migrate manages the projection database schema.
//
//	migrate [-config file] [-database dsn] [-path dir] up | down [steps] | version
//
// The DSN falls back to database.dsn from the config file and the migrations
// to the set embedded in the binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/eventfabric/db/migrations"
	"github.com/coachpo/eventfabric/internal/infra/bootstrap"
	"github.com/coachpo/eventfabric/internal/infra/persistence/migrations"
)

type command struct {
	configPath string
	dsn        string
	dir        string
	timeout    time.Duration
	quiet      bool

	action string
	steps  int
}

func main() {
	cmd, err := parseCommand(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := bootstrap.NewLogger("eventfabric-migrate")
	if cmd.quiet {
		logger.SetOutput(io.Discard)
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cmd.timeout)
	defer cancel()

	if err := cmd.resolveDSN(ctx, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.execute(ctx, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseCommand(args []string, output io.Writer) (command, error) {
	var cmd command
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&cmd.configPath, "config", bootstrap.DefaultConfigPath, "Application config supplying database.dsn")
	flags.StringVar(&cmd.dsn, "database", "", "PostgreSQL DSN, overrides the config file")
	flags.StringVar(&cmd.dir, "path", "", "Directory of SQL migrations (default: the embedded set)")
	flags.DurationVar(&cmd.timeout, "timeout", 30*time.Second, "Maximum time to wait for the database")
	flags.BoolVar(&cmd.quiet, "quiet", false, "Suppress informational logs")
	if err := flags.Parse(args); err != nil {
		return command{}, err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return command{}, errors.New("command required (up|down|version)")
	}
	cmd.action = rest[0]
	cmd.dsn = strings.TrimSpace(cmd.dsn)
	cmd.dir = strings.TrimSpace(cmd.dir)

	switch cmd.action {
	case "up", "version":
		if len(rest) > 1 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.action)
		}
	case "down":
		cmd.steps = 1
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("invalid down steps %q", rest[1])
			}
			cmd.steps = n
		}
	default:
		return command{}, fmt.Errorf("unknown command %q (expected up, down or version)", cmd.action)
	}
	if cmd.timeout <= 0 {
		return command{}, fmt.Errorf("timeout must be positive")
	}
	return cmd, nil
}

// resolveDSN fills the DSN from the config file when no flag was given.
func (c *command) resolveDSN(ctx context.Context, logger *log.Logger) error {
	if c.dsn != "" {
		return nil
	}
	cfg, err := bootstrap.LoadConfig(ctx, logger, c.configPath)
	if err != nil {
		return err
	}
	c.dsn = cfg.Database.DSN
	if c.dsn == "" {
		return errors.New("no database dsn: pass -database or set database.dsn")
	}
	return nil
}

func (c command) files() fs.FS {
	if c.dir == "" {
		return dbmigrations.Files
	}
	return os.DirFS(c.dir)
}

func (c command) execute(ctx context.Context, logger *log.Logger) error {
	switch c.action {
	case "up":
		if c.dir != "" {
			return migrations.Apply(ctx, c.dsn, c.dir, logger)
		}
		return migrations.ApplyFS(ctx, c.dsn, dbmigrations.Files, logger)
	case "down":
		if c.dir != "" {
			return migrations.Rollback(ctx, c.dsn, c.dir, c.steps, logger)
		}
		return migrations.RollbackFS(ctx, c.dsn, dbmigrations.Files, c.steps, logger)
	case "version":
		version, applied, dirty, err := migrations.Version(ctx, c.dsn, c.files(), logger)
		if err != nil {
			return err
		}
		if !applied {
			fmt.Println("no migrations applied")
			return nil
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
		return nil
	}
	return fmt.Errorf("unknown command %q", c.action)
}
