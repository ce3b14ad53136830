package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationConfig configures the versioned-migration path used in production
// (cmd/migrate). The hot-path AutoMigrate in Database.Migrate stays the
// dev/test bring-up route; this is the file-based route golang-migrate owns.
type MigrationConfig struct {
	DatabaseURL    string
	DatabaseType   string // "postgres" or "sqlite"
	MigrationsPath string
	Logger         *log.Logger
}

// MigrationRunner wraps golang-migrate/v4 against either driver this control
// plane supports (postgres in production, sqlite in dev/single-node mode).
type MigrationRunner struct {
	config *MigrationConfig
	m      *migrate.Migrate
	sqlDB  *sql.DB
	driver string
}

// MigrationStatus reports the schema_migrations row for operator tooling.
type MigrationStatus struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// NewMigrationRunner opens the target database and binds it to the SQL
// migration files under config.MigrationsPath (default ./migrations).
func NewMigrationRunner(config *MigrationConfig) (*MigrationRunner, error) {
	if config == nil {
		return nil, errors.New("migration config is required")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[migrate] ", log.LstdFlags)
	}

	migrationsPath := config.MigrationsPath
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}
	if !filepath.IsAbs(migrationsPath) {
		abs, err := filepath.Abs(migrationsPath)
		if err != nil {
			return nil, fmt.Errorf("resolve migrations path: %w", err)
		}
		migrationsPath = abs
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}
	config.MigrationsPath = migrationsPath

	r := &MigrationRunner{config: config, driver: config.DatabaseType}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MigrationRunner) open() error {
	var err error
	var driver migratedb.Driver

	switch r.driver {
	case "postgres", "postgresql":
		r.sqlDB, err = sql.Open("postgres", r.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		driver, err = postgres.WithInstance(r.sqlDB, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("postgres driver: %w", err)
		}
		r.driver = "postgres"

	case "sqlite", "sqlite3":
		r.sqlDB, err = sql.Open("sqlite", r.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		driver, err = sqlite3.WithInstance(r.sqlDB, &sqlite3.Config{})
		if err != nil {
			return fmt.Errorf("sqlite driver: %w", err)
		}
		r.driver = "sqlite3"

	default:
		return fmt.Errorf("unsupported database type: %s", r.driver)
	}

	sourceURL := fmt.Sprintf("file://%s", r.config.MigrationsPath)
	r.m, err = migrate.NewWithDatabaseInstance(sourceURL, r.driver, driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func (r *MigrationRunner) Up() error {
	if err := r.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("no pending migrations")
			return nil
		}
		return fmt.Errorf("up: %w", err)
	}
	v, dirty, _ := r.m.Version()
	r.config.Logger.Printf("migrated to version %d (dirty=%v)", v, dirty)
	return nil
}

// Steps applies (positive) or rolls back (negative) n migrations.
func (r *MigrationRunner) Steps(n int) error {
	if err := r.m.Steps(n); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("no migrations to apply")
			return nil
		}
		return fmt.Errorf("steps(%d): %w", n, err)
	}
	v, dirty, _ := r.m.Version()
	r.config.Logger.Printf("now at version %d (dirty=%v)", v, dirty)
	return nil
}

// Down rolls back the most recent migration.
func (r *MigrationRunner) Down() error { return r.Steps(-1) }

// DownAll rolls back every migration.
func (r *MigrationRunner) DownAll() error {
	if err := r.m.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Println("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("down-all: %w", err)
	}
	r.config.Logger.Println("all migrations rolled back")
	return nil
}

// To migrates (up or down) to an explicit version.
func (r *MigrationRunner) To(version uint) error {
	if err := r.m.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.config.Logger.Printf("already at version %d", version)
			return nil
		}
		return fmt.Errorf("migrate to %d: %w", version, err)
	}
	return nil
}

// Force sets the recorded version without running SQL, to clear a dirty
// state left by a migration that failed partway through.
func (r *MigrationRunner) Force(version int) error {
	if err := r.m.Force(version); err != nil {
		return fmt.Errorf("force %d: %w", version, err)
	}
	return nil
}

// Version reports the current schema_migrations row.
func (r *MigrationRunner) Version() (MigrationStatus, error) {
	v, dirty, err := r.m.Version()
	status := MigrationStatus{Version: v, Dirty: dirty, Applied: v > 0}
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{}, nil
		}
		status.Error = err.Error()
		return status, err
	}
	return status, nil
}

// Close releases the migration source and the underlying database handle.
func (r *MigrationRunner) Close() error {
	if r.m == nil {
		return nil
	}
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		return fmt.Errorf("close source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close database: %w", dbErr)
	}
	return nil
}
