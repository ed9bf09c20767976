// Package migrations wires golang-migrate execution for the dexroute schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/dexroute/db/migrations"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/telemetry"
)

const embeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply runs every pending up migration against the Postgres instance reachable via dsn.
// An empty migrationsDir uses the migrations embedded in the binary.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *zap.Logger) error {
	logger = logging.Or(logger)
	m, source, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("running database migrations", zap.String("source", source))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", source)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", source)
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied successfully")
	recordMigrationMetric(ctx, "applied", source)
	return nil
}

// Rollback reverts the latest steps migrations. steps <= 0 reverts everything.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *zap.Logger) error {
	logger = logging.Or(logger)
	m, source, closeFn, err := open(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("rolling back database migrations", zap.String("source", source), zap.Int("steps", steps))
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", source)
			return nil
		}
		recordMigrationMetric(ctx, "rollback_failed", source)
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back", source)
	return nil
}

func open(ctx context.Context, dsn, migrationsDir string, logger *zap.Logger) (*migrate.Migrate, string, func(), error) {
	var (
		sourceURL = ""
		source    = embeddedSource
	)
	if strings.TrimSpace(migrationsDir) != "" {
		resolvedDir, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", nil, err
		}
		sourceURL = fileURL(resolvedDir)
		source = resolvedDir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", zap.Error(cerr))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if sourceURL == "" {
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("load embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	closeFn := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", zap.Error(dbErr))
		}
	}
	return m, source, closeFn, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("dexroute_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
