package sales

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

const DefaultTopProducts = 10

type Dashboard struct {
	Filter             Filter           `json:"filter"`
	Summary            *Summary         `json:"summary"`
	ByCity             []Group          `json:"by_city"`
	TopProducts        []Group          `json:"top_products"`
	ByPaymentMethod    []Group          `json:"by_payment_method"`
	ByStoreType        []Group          `json:"by_store_type"`
	ByCustomerCategory []Group          `json:"by_customer_category"`
	BySeason           []Group          `json:"by_season"`
	DiscountImpact     []DiscountImpact `json:"discount_impact"`
}

// Dashboard runs every panel query concurrently. Panels over columns the table lacks are
// left empty.
func (s *Store) Dashboard(ctx context.Context, f Filter, topProducts int) (*Dashboard, error) {
	if topProducts <= 0 {
		topProducts = DefaultTopProducts
	}
	d := &Dashboard{Filter: f}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		summary, err := s.Summary(ctx, f)
		d.Summary = summary
		return err
	})

	panels := []struct {
		dim   Dimension
		limit int
		dst   *[]Group
	}{
		{DimensionCity, 0, &d.ByCity},
		{DimensionProduct, topProducts, &d.TopProducts},
		{DimensionPaymentMethod, 0, &d.ByPaymentMethod},
		{DimensionStoreType, 0, &d.ByStoreType},
		{DimensionCustomerCategory, 0, &d.ByCustomerCategory},
		{DimensionSeason, 0, &d.BySeason},
	}
	for _, p := range panels {
		g.Go(func() error {
			groups, err := s.RevenueBy(ctx, p.dim, f, p.limit)
			if errors.Is(err, ErrUnsupportedDimension) {
				*p.dst = []Group{}
				return nil
			}
			*p.dst = groups
			return err
		})
	}

	g.Go(func() error {
		impact, err := s.AverageRevenueByDiscount(ctx, f)
		if errors.Is(err, ErrUnsupportedDimension) {
			d.DiscountImpact = []DiscountImpact{}
			return nil
		}
		d.DiscountImpact = impact
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}
