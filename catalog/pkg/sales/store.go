// Package sales answers the retail dashboard queries over the cleaned transactions table.
package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
	"github.com/malbeclabs/retail/catalog/pkg/clickhouse/dataset"
)

const DefaultTable = "retail_silver"

// Canonical column names.
const (
	colTransactionID    = "transaction_id"
	colCustomer         = "customer"
	colProduct          = "product"
	colTotalItems       = "total_items"
	colTotalCost        = "total_cost"
	colPaymentMethod    = "payment_method"
	colCity             = "city"
	colStoreType        = "store_type"
	colDiscount         = "discount"
	colCustomerCategory = "customer_category"
	colSeason           = "season"
)

// columnAliases lists the names each column has appeared under in upstream loads.
var columnAliases = dataset.ColumnAliases{
	colTransactionID:    {"Transaction_ID", "transaction_id"},
	colCustomer:         {"Customer_Name", "customer_name", "customer"},
	colProduct:          {"Product", "product_name", "title", "product"},
	colTotalItems:       {"Total_Items", "total_items", "quantity"},
	colTotalCost:        {"Total_Cost", "total_cost", "revenue", "amount"},
	colPaymentMethod:    {"Payment_Method", "payment_method"},
	colCity:             {"City", "city"},
	colStoreType:        {"Store_Type", "store_type"},
	colDiscount:         {"Discount_Applied", "discount_applied"},
	colCustomerCategory: {"Customer_Category", "customer_category"},
	colSeason:           {"Season", "season"},
}

var requiredColumns = []string{colProduct, colTotalCost, colCity, colCustomerCategory, colSeason}

var (
	// ErrUnsupportedDimension is returned when grouping by a dimension the table lacks.
	ErrUnsupportedDimension = errors.New("unsupported dimension")
	// ErrStoreUnavailable wraps failures to reach or query the warehouse.
	ErrStoreUnavailable = errors.New("sales store unavailable")
)

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

type StoreConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	// Table defaults to DefaultTable.
	Table string
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	cfg  StoreConfig
	cols dataset.ColumnMapping
}

// NewStore resolves the table's columns once. Missing required columns fail construction.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	cols, err := dataset.ResolveColumns(ctx, conn, cfg.Table, columnAliases, requiredColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sales columns: %w", err)
	}
	cfg.Logger.Debug("sales: resolved columns", "table", cfg.Table, "columns", cols)

	return &Store{log: cfg.Logger, cfg: cfg, cols: cols}, nil
}

// Filter restricts queries to the listed values. An empty list means all values.
type Filter struct {
	Cities             []string `json:"cities,omitempty"`
	CustomerCategories []string `json:"customer_categories,omitempty"`
	Seasons            []string `json:"seasons,omitempty"`
}

// where builds the filter clause. Values are bound as an Array(String) parameter.
func (s *Store) where(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		conds = append(conds, fmt.Sprintf("has(?, toString(%s))", s.cols.Ident(col)))
		args = append(args, values)
	}
	add(colCity, f.Cities)
	add(colCustomerCategory, f.CustomerCategories)
	add(colSeason, f.Seasons)
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) table() string {
	return clickhouse.QuoteIdentifier(s.cfg.Table)
}

func (s *Store) conn(ctx context.Context) (clickhouse.Connection, error) {
	conn, err := s.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, storeUnavailable("get connection", err)
	}
	return conn, nil
}
