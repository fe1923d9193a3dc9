package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
)

const (
	versionsTable  = "dim_product_versions"
	referenceTable = "ref_product_ids"
	catalogTable   = "dim_product_catalog"
)

type StoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// Store is the ClickHouse Warehouse.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Store) Now(ctx context.Context) (time.Time, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	var now time.Time
	if err := conn.QueryRow(ctx, "SELECT now64(3, 'UTC')").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read warehouse clock: %w", err)
	}
	return now.UTC(), nil
}

func (s *Store) History(ctx context.Context, naturalKey string) ([]Version, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT entity_id, natural_key, category, price, description,
		       valid_from, valid_to, is_current, op_id, ingested_at
		FROM `+versionsTable+`
		WHERE natural_key = ?
		ORDER BY valid_from DESC, ingested_at DESC
	`, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var (
			v         Version
			entityID  *string
			price     decimal.Decimal
			isCurrent uint8
			opID      uuid.UUID
		)
		if err := rows.Scan(
			&entityID, &v.NaturalKey, &v.Category, &price, &v.Description,
			&v.ValidFrom, &v.ValidTo, &isCurrent, &opID, &v.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.EntityID = entityID
		v.Price = price
		v.IsCurrent = isCurrent == 1
		v.OpID = opID
		v.ValidFrom = v.ValidFrom.UTC()
		v.ValidTo = v.ValidTo.UTC()
		v.IngestedAt = v.IngestedAt.UTC()
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read versions: %w", err)
	}
	return versions, nil
}

// Expire counts the current rows first and only issues the update when there is exactly
// one, since ALTER TABLE ... UPDATE does not report how many rows it touched.
func (s *Store) Expire(ctx context.Context, naturalKey string, ts time.Time) (int, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ClickHouse connection: %w: %w", ErrMutationNotSent, err)
	}
	defer conn.Close()

	var current uint64
	if err := conn.QueryRow(ctx,
		"SELECT count() FROM "+versionsTable+" WHERE natural_key = ? AND is_current = 1",
		naturalKey,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to count current versions: %w: %w", ErrMutationNotSent, err)
	}
	if current != 1 {
		return int(current), nil
	}

	query := fmt.Sprintf(
		"ALTER TABLE %s UPDATE valid_to = %s, is_current = 0 WHERE natural_key = %s AND is_current = 1",
		versionsTable, clickhouse.FormatDateTime64(ts), clickhouse.QuoteString(naturalKey),
	)
	if err := conn.Exec(clickhouse.ContextWithSyncMutation(ctx), query); err != nil {
		return 0, fmt.Errorf("failed to expire current version: %w", err)
	}
	s.log.Debug("product/store: expired current version", "natural_key", naturalKey, "valid_to", ts)
	return 1, nil
}

func (s *Store) Insert(ctx context.Context, v Version) error {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	ctx = clickhouse.ContextWithSyncInsert(ctx)
	batch, err := conn.PrepareBatch(ctx, `INSERT INTO `+versionsTable+` (
		entity_id, natural_key, category, price, description,
		valid_from, valid_to, is_current, op_id, ingested_at
	)`)
	if err != nil {
		return fmt.Errorf("failed to prepare version insert: %w", err)
	}
	isCurrent := uint8(0)
	if v.IsCurrent {
		isCurrent = 1
	}
	if err := batch.Append(
		v.EntityID, v.NaturalKey, v.Category, v.Price, v.Description,
		v.ValidFrom, v.ValidTo, isCurrent, v.OpID, v.IngestedAt,
	); err != nil {
		_ = batch.Close()
		return fmt.Errorf("failed to append version: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func (s *Store) LookupReferenceID(ctx context.Context, naturalKey string) (*string, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT product_id
		FROM `+referenceTable+` FINAL
		WHERE product_name = ? AND product_id != ''
		ORDER BY updated_at DESC
		LIMIT 1
	`, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query reference ids: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var id string
	if err := rows.Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to scan reference id: %w", err)
	}
	return &id, nil
}

func (s *Store) LookupCatalog(ctx context.Context, naturalKey string) (*CatalogEntry, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT id, title, category
		FROM `+catalogTable+` FINAL
		WHERE title = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e CatalogEntry
	if err := rows.Scan(&e.ID, &e.Title, &e.Category); err != nil {
		return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
	}
	return &e, nil
}
