package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
)

// DBConfig holds the ClickHouse test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:25.3"
	}
	return nil
}

// DB represents a ClickHouse test container.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the ClickHouse native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

// Close terminates the ClickHouse container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewDB starts a ClickHouse container.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse DB config: %w", err)
	}

	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		break
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

func isRetryableContainerStartErr(err error) bool {
	msg := err.Error()
	for _, s := range []string{"port is already allocated", "connection reset", "i/o timeout", "No such container"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Shared lazily starts one container per test package. Tests are skipped when no container
// provider is available.
type Shared struct {
	Logger *slog.Logger

	once sync.Once
	db   *DB
	err  error
}

// DB returns the shared container, starting it on first use.
func (s *Shared) DB(t *testing.T) *DB {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	s.once.Do(func() {
		log := s.Logger
		if log == nil {
			log = slog.Default()
		}
		s.db, s.err = NewDB(context.Background(), log, nil)
	})
	require.NoError(t, s.err, "failed to start shared ClickHouse container")
	return s.db
}

// Close terminates the container if it was started.
func (s *Shared) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// NewClient creates a fresh database on the container, applies the migrations to it and
// returns a client bound to it. The database is dropped when the test ends.
func NewClient(t *testing.T, db *DB) clickhouse.Client {
	t.Helper()
	ctx := t.Context()
	log := db.log

	databaseName := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := clickhouse.NewClient(ctx, log, db.addr, db.cfg.Database, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse admin client")
	adminConn, err := admin.Conn(ctx)
	require.NoError(t, err)
	require.NoError(t, clickhouse.CreateDatabase(ctx, log, adminConn, databaseName))

	err = clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
		Addr:     db.addr,
		Database: databaseName,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	})
	require.NoError(t, err, "failed to run migrations")

	client, err := clickhouse.NewClient(ctx, log, db.addr, databaseName, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse test client")

	t.Cleanup(func() {
		_ = client.Close()
		conn, err := admin.Conn(context.Background())
		if err == nil {
			_ = conn.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		}
		_ = admin.Close()
	})

	return client
}
