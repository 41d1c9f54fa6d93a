// Package migrations wires golang-migrate execution for the projection database.
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
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventfabric/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// source opens a migrate instance once the database is reachable.
type source func(driver database.Driver) (*migrate.Migrate, string, error)

func fromDir(dir string) (source, error) {
	resolved, err := resolveDir(dir)
	if err != nil {
		return nil, err
	}
	return func(driver database.Driver) (*migrate.Migrate, string, error) {
		m, err := migrate.NewWithDatabaseInstance(fileURL(resolved), "pgx5", driver)
		return m, resolved, err
	}, nil
}

func fromFS(files fs.FS) source {
	return func(driver database.Driver) (*migrate.Migrate, string, error) {
		src, err := iofs.New(files, ".")
		if err != nil {
			return nil, "", fmt.Errorf("open embedded migrations: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
		return m, "embedded", err
	}
}

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	src, err := fromDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, src, logger, up)
}

// ApplyFS applies migrations read from files, usually the embedded set.
func ApplyFS(ctx context.Context, dsn string, files fs.FS, logger *log.Logger) error {
	return run(ctx, dsn, fromFS(files), logger, up)
}

// Rollback reverts steps migrations from migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	src, err := fromDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, src, logger, down(steps))
}

// RollbackFS reverts steps migrations read from files.
func RollbackFS(ctx context.Context, dsn string, files fs.FS, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, fromFS(files), logger, down(steps))
}

// Version reports the schema version recorded in the database. An empty
// database reports version 0 and applied false.
func Version(ctx context.Context, dsn string, files fs.FS, logger *log.Logger) (version uint, applied, dirty bool, err error) {
	err = run(ctx, dsn, fromFS(files), logger, func(_ context.Context, m *migrate.Migrate, _ string, _ *log.Logger) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return fmt.Errorf("read migration version: %w", verr)
		}
		version, applied, dirty = v, true, d
		return nil
	})
	return version, applied, dirty, err
}

func down(steps int) func(context.Context, *migrate.Migrate, string, *log.Logger) error {
	return func(ctx context.Context, m *migrate.Migrate, path string, logger *log.Logger) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", path)
				return nil
			}
			recordMigrationMetric(ctx, "failed", path)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations rolled back steps=%d", steps)
		}
		recordMigrationMetric(ctx, "rolled_back", path)
		return nil
	}
}

func up(ctx context.Context, m *migrate.Migrate, path string, logger *log.Logger) error {
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", path)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", path)
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", path)
	return nil
}

func run(ctx context.Context, dsn string, src source, logger *log.Logger,
	step func(context.Context, *migrate.Migrate, string, *log.Logger) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, path, err := src(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: path=%s", path)
	}
	return step(ctx, m, path, logger)
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

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("eventfabric_db_migrations_total",
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
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("result", result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
