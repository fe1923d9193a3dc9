package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
	"github.com/malbeclabs/retail/catalog/pkg/product"
	"github.com/malbeclabs/retail/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Commands
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse database migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse database migration status")
	checkInvariantsFlag := flag.StringSlice("check-invariants", nil, "Check the version history of the given product names (repeatable or comma separated)")
	statementTimeoutFlag := flag.Duration("statement-timeout", 30*time.Second, "Timeout for each warehouse statement")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override ClickHouse flags with environment variables if set
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	migrationsConfig := clickhouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(ctx, log, migrationsConfig)
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.MigrationStatus(ctx, log, migrationsConfig)
	}

	if len(*checkInvariantsFlag) > 0 {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --check-invariants")
		}
		client, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer client.Close()
		store, err := product.NewStore(product.StoreConfig{Logger: log, ClickHouse: client})
		if err != nil {
			return fmt.Errorf("failed to create product store: %w", err)
		}
		return checkInvariants(ctx, log, product.NewReader(log, store, *statementTimeoutFlag), *checkInvariantsFlag)
	}

	flag.Usage()
	return nil
}

type historyReader interface {
	GetHistory(ctx context.Context, naturalKey string) ([]product.Version, error)
}

// checkInvariants reports every product whose history is broken. Histories are never
// repaired here.
func checkInvariants(ctx context.Context, log *slog.Logger, reader historyReader, names []string) error {
	var failed int
	for _, name := range names {
		versions, err := reader.GetHistory(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read history of %q: %w", name, err)
		}
		if err := product.CheckInvariants(name, versions); err != nil {
			failed++
			log.Error("invariant violation", "product", name, "versions", len(versions), "error", err)
			continue
		}
		log.Info("history ok", "product", name, "versions", len(versions))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d products have invalid histories", failed, len(names))
	}
	return nil
}
