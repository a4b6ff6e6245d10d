// Package migrations runs the engine's schema migrations through golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/execguard/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter     metric.Int64Counter
	migrationsCounterOnce sync.Once
)

// Source locates migration scripts either in a directory or in an embedded filesystem.
type Source struct {
	dir   string
	files fs.FS
}

// Dir reads migrations from a directory on disk.
func Dir(path string) Source {
	return Source{dir: path}
}

// Embedded reads migrations bundled into the binary.
func Embedded(files fs.FS) Source {
	return Source{files: files}
}

// String names the source in logs and metric labels.
func (s Source) String() string {
	if s.files != nil {
		return "embedded"
	}
	return s.dir
}

func (s Source) open() (string, source.Driver, error) {
	if s.files != nil {
		drv, err := iofs.New(s.files, ".")
		if err != nil {
			return "", nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return "", drv, nil
	}
	resolved, err := resolveDir(s.dir)
	if err != nil {
		return "", nil, err
	}
	return fileURL(resolved), nil, nil
}

// Up applies every pending migration. A nil logger disables informational logging.
func Up(ctx context.Context, dsn string, src Source, logger *log.Logger) error {
	return withMigrate(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		logf(logger, "running database migrations: source=%s", src)
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "up", telemetry.ResultSkipped, src)
				logf(logger, "database migrations up-to-date")
				return nil
			}
			recordMigrationMetric(ctx, "up", telemetry.ResultError, src)
			return fmt.Errorf("apply migrations: %w", err)
		}
		recordMigrationMetric(ctx, "up", telemetry.ResultSuccess, src)
		logf(logger, "database migrations applied successfully")
		return nil
	})
}

// Down reverts the most recent steps migrations. steps <= 0 reverts one.
func Down(ctx context.Context, dsn string, src Source, steps int, logger *log.Logger) error {
	if steps <= 0 {
		steps = 1
	}
	return withMigrate(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		logf(logger, "rolling back database migrations: source=%s steps=%d", src, steps)
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "down", telemetry.ResultSkipped, src)
				return nil
			}
			recordMigrationMetric(ctx, "down", telemetry.ResultError, src)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "down", telemetry.ResultSuccess, src)
		return nil
	})
}

// Status describes the schema version recorded in the database.
type Status struct {
	Version uint
	Dirty   bool
	// Empty is true when no migration has ever been applied.
	Empty bool
}

// Version reports the currently applied schema version.
func Version(ctx context.Context, dsn string, src Source, logger *log.Logger) (Status, error) {
	var status Status
	err := withMigrate(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			status.Empty = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("read migration version: %w", err)
		}
		status.Version, status.Dirty = version, dirty
		return nil
	})
	return status, err
}

// Force records version as applied and clears the dirty flag after a failed migration was repaired by hand.
func Force(ctx context.Context, dsn string, src Source, version int, logger *log.Logger) error {
	return withMigrate(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		logf(logger, "forcing migration version: %d", version)
		if err := m.Force(version); err != nil {
			recordMigrationMetric(ctx, "force", telemetry.ResultError, src)
			return fmt.Errorf("force migration version: %w", err)
		}
		recordMigrationMetric(ctx, "force", telemetry.ResultSuccess, src)
		return nil
	})
}

func withMigrate(ctx context.Context, dsn string, src Source, logger *log.Logger, fn func(*migrate.Migrate) error) error {
	sourceURL, drv, err := src.open()
	if err != nil {
		return err
	}
	if strings.TrimSpace(dsn) == "" {
		return errors.New("migrations: dsn required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logf(logger, "database migrations close: %v", cerr)
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if drv != nil {
		m, err = migrate.NewWithInstance("iofs", drv, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logf(logger, "database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logf(logger, "database migrations db close: %v", dbErr)
		}
	}()
	return fn(m)
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
		return "", fmt.Errorf("migrations directory: %w", err)
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
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func recordMigrationMetric(ctx context.Context, action, result string, src Source) {
	migrationsCounterOnce.Do(func() {
		counter, err := otel.Meter("execguard.migrations").Int64Counter(telemetry.MetricMigrationsApplied,
			metric.WithDescription("Migration commands executed via golang-migrate"),
			metric.WithUnit("1"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := telemetry.WithEnvironment(
		telemetry.AttrAction.String(action),
		telemetry.AttrResult.String(result),
		telemetry.AttrSource.String(src.String()),
	)
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
