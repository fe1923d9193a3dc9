// Package catalog wires the product version engine and the sales analytics onto one
// ClickHouse client.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
	"github.com/malbeclabs/retail/catalog/pkg/product"
	"github.com/malbeclabs/retail/catalog/pkg/sales"
)

type Catalog struct {
	log *slog.Logger
	cfg Config

	store  *product.Store
	reader *product.Reader
	writer *product.Writer
	sales  *sales.Store
}

func New(ctx context.Context, cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.MigrationsEnable {
		if err := clickhouse.RunMigrations(ctx, cfg.Logger, cfg.MigrationsConfig); err != nil {
			return nil, fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
		cfg.Logger.Info("ClickHouse migrations completed")
	}

	store, err := product.NewStore(product.StoreConfig{
		Logger:     cfg.Logger,
		ClickHouse: cfg.ClickHouse,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create product store: %w", err)
	}

	var audit product.AuditSink
	if cfg.AuditEnable {
		a, err := product.NewTransitionAudit(product.AuditConfig{
			Logger:     cfg.Logger,
			Clock:      cfg.Clock,
			ClickHouse: cfg.ClickHouse,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transition audit: %w", err)
		}
		audit = a
	}

	resolver := product.NewResolver(cfg.Logger, cfg.ResolverTimeout,
		product.ReferenceSource(store),
		product.CatalogSource(store),
	)

	writer, err := product.NewWriter(product.WriterConfig{
		Logger:           cfg.Logger,
		Clock:            cfg.Clock,
		Warehouse:        store,
		Resolver:         resolver,
		Locker:           cfg.Locker,
		StatementTimeout: cfg.StatementTimeout,
		Audit:            audit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create product writer: %w", err)
	}

	c := &Catalog{
		log:    cfg.Logger,
		cfg:    cfg,
		store:  store,
		reader: product.NewReader(cfg.Logger, store, cfg.StatementTimeout),
		writer: writer,
	}

	if cfg.SalesEnable {
		c.sales, err = sales.NewStore(ctx, sales.StoreConfig{
			Logger:     cfg.Logger,
			ClickHouse: cfg.ClickHouse,
			Table:      cfg.SalesTable,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sales store: %w", err)
		}
	}

	return c, nil
}

func (c *Catalog) Reader() *product.Reader { return c.reader }

func (c *Catalog) Writer() *product.Writer { return c.writer }

// Sales returns nil when sales analytics are disabled.
func (c *Catalog) Sales() *sales.Store { return c.sales }

// Ready pings the warehouse.
func (c *Catalog) Ready(ctx context.Context) error {
	return c.cfg.ClickHouse.Ping(ctx)
}
