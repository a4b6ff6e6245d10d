// Command migrate manages the engine's PostgreSQL schema.
//
//	migrate [flags] up
//	migrate [flags] down [steps]
//	migrate [flags] version
//	migrate [flags] force <version>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/execguard/db/migrations"
	"github.com/coachpo/execguard/internal/infra/config"
	"github.com/coachpo/execguard/internal/infra/persistence/migrations"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "EXECGUARD_DATABASE_DSN"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	dsn     string
	config  string
	dir     string
	timeout time.Duration
	quiet   bool
	args    []string
}

func parseFlags(argv []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.StringVar(&opts.dsn, "database", "", "PostgreSQL DSN (falls back to $"+dsnEnv+" then the config file)")
	fs.StringVar(&opts.config, "config", "", "Engine config file to read database.dsn from")
	fs.StringVar(&opts.dir, "path", "", "Directory containing SQL migrations (default: migrations embedded in the binary)")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "Maximum time for the whole command")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress informational logs")
	if err := fs.Parse(argv); err != nil {
		return options{}, err
	}
	opts.args = fs.Args()
	if len(opts.args) == 0 {
		return options{}, errors.New("command required (up|down|version|force)")
	}
	return opts, nil
}

func resolveDSN(ctx context.Context, opts options) (string, error) {
	if dsn := strings.TrimSpace(opts.dsn); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(os.Getenv(dsnEnv)); dsn != "" {
		return dsn, nil
	}
	if strings.TrimSpace(opts.config) != "" {
		cfg, err := config.Load(ctx, opts.config)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		if cfg.Database.Enabled() {
			return strings.TrimSpace(cfg.Database.DSN), nil
		}
	}
	return "", errors.New("database DSN required (-database, $" + dsnEnv + " or -config)")
}

func run(argv []string, stdout io.Writer) error {
	opts, err := parseFlags(argv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	dsn, err := resolveDSN(ctx, opts)
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !opts.quiet {
		logger = log.New(stdout, "execguard-migrate ", log.LstdFlags)
	}

	src := migrations.Embedded(dbmigrations.Files)
	if strings.TrimSpace(opts.dir) != "" {
		src = migrations.Dir(opts.dir)
	}

	args := opts.args
	switch args[0] {
	case "up":
		return migrations.Up(ctx, dsn, src, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Down(ctx, dsn, src, steps, logger)
	case "version":
		status, err := migrations.Version(ctx, dsn, src, logger)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, formatStatus(status))
		return nil
	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return migrations.Force(ctx, dsn, src, version, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up, down, version or force)", args[0])
	}
}

func formatStatus(status migrations.Status) string {
	switch {
	case status.Empty:
		return "version: none"
	case status.Dirty:
		return fmt.Sprintf("version: %d (dirty)", status.Version)
	default:
		return fmt.Sprintf("version: %d", status.Version)
	}
}
