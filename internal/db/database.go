// Package db wires the relational store (C4): connection setup, schema
// migration, and the Redis-backed routing ledger client construction.
package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"apex-control-plane/internal/logging"
	"apex-control-plane/internal/store"
)

// Database wraps the GORM database instance.
type Database struct {
	DB *gorm.DB
}

// Config holds relational-store configuration. DSN, when set, is used
// verbatim (the sqlite dev/test path sets it to a file or ":memory:");
// otherwise the Postgres host/port/user fields are assembled into a DSN.
type Config struct {
	Driver   string // "postgres" or "sqlite"
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultConfig returns sqlite-backed defaults suitable for local dev.
func DefaultConfig() *Config {
	return &Config{
		Driver: "sqlite",
		DSN:    "apex.db",
	}
}

// NewDatabase opens the configured relational store and runs migrations.
func NewDatabase(cfg *Config) (*Database, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf(
				"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
				cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
			)
		}
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "apex.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: gdb}

	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("relational store connected", zap.String("driver", cfg.Driver))
	return database, nil
}

// Migrate runs schema migration. AutoMigrate is used here (sqlite dev/test
// and initial bring-up); the golang-migrate/migrate/v4 file-based migrations
// under cmd/migrate own the production schema path (see cmd/migrate).
func (d *Database) Migrate() error {
	logging.L().Info("running schema migration")

	if err := d.DB.AutoMigrate(
		&store.User{},
		&store.Session{},
		&store.Deployment{},
		&store.ReleaseAuditRecord{},
	); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := d.createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.L().Info("schema migration complete")
	return nil
}

// createIndexes adds the partial indexes AutoMigrate does not express:
// fast lookups for "my active deployments" and for the TTL reaper's sweep.
func (d *Database) createIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_deployments_user_status ON deployments(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_expires_at ON deployments(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_release_audit_subdomain ON release_audit_records(subdomain, released_at)`,
	}
	for _, stmt := range stmts {
		// sqlite's query planner accepts partial-index WHERE clauses the same
		// way postgres does; a failure here is logged, not fatal, since the
		// indexes are a performance aid, not a correctness requirement.
		if err := d.DB.Exec(stmt).Error; err != nil {
			logging.L().Warn("index creation skipped", zap.String("stmt", stmt), zap.Error(err))
		}
	}
	return nil
}

// Health checks relational-store connectivity for the /health endpoint.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction wraps fn in a database transaction.
func (d *Database) Transaction(fn func(*gorm.DB) error) error {
	return d.DB.Transaction(fn)
}
