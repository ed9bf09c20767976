// Command migrate applies or rolls back the dexroute schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", os.Getenv("POSTGRES_URL"), "PostgreSQL DSN (defaults to $POSTGRES_URL)")
		dir     = flag.String("path", "", "Directory containing SQL migrations (defaults to the embedded set)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or POSTGRES_URL is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down [n])")
	}

	logger := zap.NewNop()
	if !*quiet {
		var err error
		logger, err = logging.New(logging.Config{Level: "info", Format: "console"})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
		logger = logger.Named("migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
