package catalog

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
	"github.com/malbeclabs/retail/catalog/pkg/lease"
)

type Config struct {
	Logger           *slog.Logger
	Clock            clockwork.Clock
	ClickHouse       clickhouse.Client
	MigrationsEnable bool
	MigrationsConfig clickhouse.MigrationConfig

	// Locker serializes writers of one product. Defaults to an in-process lock, which is only
	// sufficient with a single writer process.
	Locker lease.Locker

	// StatementTimeout bounds each warehouse statement issued by the version engine.
	StatementTimeout time.Duration
	// ResolverTimeout bounds each key resolver lookup.
	ResolverTimeout time.Duration

	// AuditEnable records writer outcomes in the transitions fact table.
	AuditEnable bool

	// SalesEnable exposes the sales analytics over SalesTable.
	SalesEnable bool
	SalesTable  string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if c.MigrationsEnable {
		if err := c.MigrationsConfig.Validate(); err != nil {
			return err
		}
	}

	// Optional with defaults
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Locker == nil {
		c.Locker = lease.NewLocal()
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = 30 * time.Second
	}
	if c.ResolverTimeout <= 0 {
		c.ResolverTimeout = 5 * time.Second
	}
	return nil
}
