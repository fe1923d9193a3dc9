package sales

import (
	"context"
	"fmt"
)

// Dimension is a column revenue can be grouped by.
type Dimension string

const (
	DimensionCity             Dimension = "city"
	DimensionProduct          Dimension = "product"
	DimensionPaymentMethod    Dimension = "payment_method"
	DimensionStoreType        Dimension = "store_type"
	DimensionCustomerCategory Dimension = "customer_category"
	DimensionSeason           Dimension = "season"
)

var dimensionColumns = map[Dimension]string{
	DimensionCity:             colCity,
	DimensionProduct:          colProduct,
	DimensionPaymentMethod:    colPaymentMethod,
	DimensionStoreType:        colStoreType,
	DimensionCustomerCategory: colCustomerCategory,
	DimensionSeason:           colSeason,
}

// ParseDimension maps a request value to a Dimension.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(s)
	if _, ok := dimensionColumns[d]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDimension, s)
	}
	return d, nil
}

const (
	LabelDiscountApplied = "Discount Applied"
	LabelNoDiscount      = "No Discount"
)

type Summary struct {
	Transactions       uint64  `json:"transactions"`
	UniqueProducts     uint64  `json:"unique_products"`
	Revenue            float64 `json:"revenue"`
	Cities             uint64  `json:"cities"`
	Customers          uint64  `json:"customers"`
	CustomerCategories uint64  `json:"customer_categories"`
}

type Group struct {
	Key     string  `json:"key"`
	Revenue float64 `json:"revenue"`
}

type DiscountImpact struct {
	Label          string  `json:"label"`
	Discounted     bool    `json:"discounted"`
	AverageRevenue float64 `json:"average_revenue"`
	Transactions   uint64  `json:"transactions"`
}

type FilterOptions struct {
	Cities             []string `json:"cities"`
	CustomerCategories []string `json:"customer_categories"`
	Seasons            []string `json:"seasons"`
}

// Summary returns the headline figures for the filtered transactions.
func (s *Store) Summary(ctx context.Context, f Filter) (*Summary, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	customers := "toUInt64(0)"
	if s.cols.Has(colCustomer) {
		customers = fmt.Sprintf("uniqExact(%s)", s.cols.Ident(colCustomer))
	}
	where, args := s.where(f)
	query := fmt.Sprintf(`
		SELECT
			count(),
			uniqExact(%s),
			toFloat64(sum(%s)),
			uniqExact(%s),
			%s,
			uniqExact(%s)
		FROM %s
		%s
	`,
		s.cols.Ident(colProduct),
		s.cols.Ident(colTotalCost),
		s.cols.Ident(colCity),
		customers,
		s.cols.Ident(colCustomerCategory),
		s.table(), where,
	)

	var out Summary
	if err := conn.QueryRow(ctx, query, args...).Scan(
		&out.Transactions, &out.UniqueProducts, &out.Revenue,
		&out.Cities, &out.Customers, &out.CustomerCategories,
	); err != nil {
		return nil, storeUnavailable("query sales summary", err)
	}
	return &out, nil
}

// RevenueBy sums revenue per value of a dimension, highest first. A positive limit keeps the
// top entries only.
func (s *Store) RevenueBy(ctx context.Context, dim Dimension, f Filter, limit int) ([]Group, error) {
	col, ok := dimensionColumns[dim]
	if !ok || !s.cols.Has(col) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDimension, dim)
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	where, args := s.where(f)
	query := fmt.Sprintf(`
		SELECT toString(%s) AS key, toFloat64(sum(%s)) AS revenue
		FROM %s
		%s
		GROUP BY key
		ORDER BY revenue DESC, key ASC
	`, s.cols.Ident(col), s.cols.Ident(colTotalCost), s.table(), where)
	if limit > 0 {
		query += fmt.Sprintf("LIMIT %d", limit)
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable(fmt.Sprintf("query revenue by %s", dim), err)
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.Key, &g.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan revenue group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable(fmt.Sprintf("read revenue by %s", dim), err)
	}
	return groups, nil
}

// AverageRevenueByDiscount compares the mean transaction value with and without a discount.
func (s *Store) AverageRevenueByDiscount(ctx context.Context, f Filter) ([]DiscountImpact, error) {
	if !s.cols.Has(colDiscount) {
		return nil, fmt.Errorf("%w: discount", ErrUnsupportedDimension)
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	where, args := s.where(f)
	query := fmt.Sprintf(`
		SELECT toBool(%s) AS discounted, toFloat64(avg(%s)), count()
		FROM %s
		%s
		GROUP BY discounted
		ORDER BY discounted DESC
	`, s.cols.Ident(colDiscount), s.cols.Ident(colTotalCost), s.table(), where)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable("query discount impact", err)
	}
	defer rows.Close()

	out := []DiscountImpact{}
	for rows.Next() {
		var d DiscountImpact
		if err := rows.Scan(&d.Discounted, &d.AverageRevenue, &d.Transactions); err != nil {
			return nil, fmt.Errorf("failed to scan discount impact: %w", err)
		}
		d.Label = LabelNoDiscount
		if d.Discounted {
			d.Label = LabelDiscountApplied
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("read discount impact", err)
	}
	return out, nil
}

// FilterOptions lists the distinct values each filter accepts.
func (s *Store) FilterOptions(ctx context.Context) (*FilterOptions, error) {
	var out FilterOptions
	var err error
	if out.Cities, err = s.distinct(ctx, colCity); err != nil {
		return nil, err
	}
	if out.CustomerCategories, err = s.distinct(ctx, colCustomerCategory); err != nil {
		return nil, err
	}
	if out.Seasons, err = s.distinct(ctx, colSeason); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) distinct(ctx context.Context, col string) ([]string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ident := s.cols.Ident(col)
	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT toString(%s) AS v
		FROM %s
		WHERE v != ''
		ORDER BY v
	`, ident, s.table()))
	if err != nil {
		return nil, storeUnavailable("query distinct "+col, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", col, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("read distinct "+col, err)
	}
	return values, nil
}
