package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/retail/catalog"
)

const migrationsDir = "db/clickhouse/migrations"

// goose keeps its logger, filesystem and dialect in package globals.
var gooseMu sync.Mutex

// MigrationConfig holds the configuration for running migrations
type MigrationConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func (cfg *MigrationConfig) Validate() error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		return errors.New("database is required")
	}
	return nil
}

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RunMigrations applies the embedded SQL migrations using goose.
func RunMigrations(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid migration config: %w", err)
	}
	log.Info("running ClickHouse migrations with goose", "database", cfg.Database)

	db := newSQLDB(cfg)
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := setupGoose(log); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("ClickHouse migrations completed successfully", "database", cfg.Database)
	return nil
}

// MigrationStatus logs the status of all migrations.
func MigrationStatus(ctx context.Context, log *slog.Logger, cfg MigrationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid migration config: %w", err)
	}
	log.Info("checking ClickHouse migration status", "database", cfg.Database)

	db := newSQLDB(cfg)
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := setupGoose(log); err != nil {
		return err
	}
	return goose.StatusContext(ctx, db, migrationsDir)
}

func setupGoose(log *slog.Logger) error {
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(catalog.ClickHouseMigrationsFS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// newSQLDB creates a database/sql compatible connection for goose
func newSQLDB(cfg MigrationConfig) *sql.DB {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return clickhouse.OpenDB(options)
}
