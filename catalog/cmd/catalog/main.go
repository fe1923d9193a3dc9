package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/retail/catalog/pkg/catalog"
	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
	"github.com/malbeclabs/retail/catalog/pkg/lease"
	"github.com/malbeclabs/retail/catalog/pkg/metrics"
	"github.com/malbeclabs/retail/catalog/pkg/server"
	"github.com/malbeclabs/retail/catalog/pkg/sales"
	"github.com/malbeclabs/retail/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr       = "0.0.0.0:3020"
	defaultMetricsAddr      = "0.0.0.0:0"
	defaultStatementTimeout = 30 * time.Second
	defaultResolverTimeout  = 5 * time.Second
	defaultLeaseMaxConns    = 16
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "enable ClickHouse migrations on startup")
	createDatabaseFlag := flag.Bool("create-database", false, "create the ClickHouse database before startup (for dev use)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse server address (e.g., localhost:9000, or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Version engine configuration
	statementTimeoutFlag := flag.Duration("statement-timeout", defaultStatementTimeout, "timeout for each warehouse statement")
	resolverTimeoutFlag := flag.Duration("resolver-timeout", defaultResolverTimeout, "timeout for each product id lookup")
	auditEnableFlag := flag.Bool("audit-enable", true, "record version transitions in the transitions fact table")
	leaseDSNFlag := flag.String("lease-postgres-dsn", "", "Postgres DSN for cross-process product leases (or set LEASE_POSTGRES_DSN env var)")

	// Sales configuration
	salesEnableFlag := flag.Bool("sales-enable", true, "serve sales analytics")
	salesTableFlag := flag.String("sales-table", sales.DefaultTable, "sales transactions table (or set SALES_TABLE env var)")

	// HTTP configuration
	corsOriginsFlag := flag.String("cors-origins", "", "comma separated allowed CORS origins (or set CORS_ORIGINS env var)")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	// Override flags with environment variables if set
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
	if v := os.Getenv("LEASE_POSTGRES_DSN"); v != "" {
		*leaseDSNFlag = v
	}
	if v := os.Getenv("SALES_TABLE"); v != "" {
		*salesTableFlag = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		*corsOriginsFlag = v
	}

	log := logger.New(*verboseFlag)
	log.Info("catalog starting", "version", version, "commit", commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sentryEnabled := initSentry(log)
	if sentryEnabled {
		defer sentry.Flush(2 * time.Second)
	}

	metricsServerErrCh := make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
			}
		}()
	}

	if *clickhouseAddrFlag == "" {
		return errors.New("clickhouse-addr is required")
	}

	if *createDatabaseFlag {
		if err := createDatabase(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag); err != nil {
			return err
		}
	}

	clickhouseDB, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer func() {
		if err := clickhouseDB.Close(); err != nil {
			log.Error("failed to close ClickHouse database", "error", err)
		}
	}()
	log.Info("clickhouse client initialized", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag)

	var locker lease.Locker
	if *leaseDSNFlag != "" {
		pool, err := lease.NewPool(ctx, *leaseDSNFlag, defaultLeaseMaxConns)
		if err != nil {
			return fmt.Errorf("failed to create lease pool: %w", err)
		}
		defer pool.Close()
		locker = lease.NewPostgres(log, pool)
		log.Info("postgres leases enabled")
	} else {
		log.Info("postgres leases disabled, using in-process leases")
	}

	cat, err := catalog.New(ctx, catalog.Config{
		Logger:           log,
		Clock:            clockwork.NewRealClock(),
		ClickHouse:       clickhouseDB,
		MigrationsEnable: *migrationsEnableFlag,
		MigrationsConfig: clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		},
		Locker:           locker,
		StatementTimeout: *statementTimeoutFlag,
		ResolverTimeout:  *resolverTimeoutFlag,
		AuditEnable:      *auditEnableFlag,
		SalesEnable:      *salesEnableFlag,
		SalesTable:       *salesTableFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}

	serverCfg := server.Config{
		Logger:        log,
		Reader:        cat.Reader(),
		Writer:        cat.Writer(),
		Ready:         cat.Ready,
		CORSOrigins:   splitList(*corsOriginsFlag),
		SentryEnabled: sentryEnabled,
	}
	if s := cat.Sales(); s != nil {
		serverCfg.Sales = s
	}
	srv, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *listenAddrFlag, err)
	}
	log.Info("server listening", "address", listener.Addr().String())

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx, listener)
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		if err := <-serverErrCh; err != nil {
			log.Error("server: shutdown error", "error", err)
		}
		return nil
	case err := <-serverErrCh:
		if err != nil {
			log.Error("server: server error causing shutdown", "error", err)
		}
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
