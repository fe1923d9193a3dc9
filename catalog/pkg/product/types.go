// Package product maintains the type-2 slowly changing product dimension: every change to a
// product's attributes closes the current version and opens a new one, so the full history
// of a product stays queryable and exactly one version is current at a time.
package product

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpenValidTo marks the open end of the current version's validity interval. It is the
// largest date ClickHouse DateTime64 can hold.
var OpenValidTo = time.Date(2299, 12, 31, 0, 0, 0, 0, time.UTC)

// UnknownCategory is used when no category can be found for a product.
const UnknownCategory = "Unknown"

// Prices are stored as Decimal(18, 2).
const PriceScale = 2

// priceLimit is the first value a Decimal(18, 2) column cannot hold.
var priceLimit = decimal.New(1, 18-PriceScale)

// validatePrice rejects prices the versions table would store as a different value.
func validatePrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return invalidAttribute("price must be greater than zero, got %s", p.String())
	}
	if !p.Truncate(PriceScale).Equal(p) {
		return invalidAttribute("price must have at most %d decimal places, got %s", PriceScale, p.String())
	}
	if p.Cmp(priceLimit) >= 0 {
		return invalidAttribute("price must be less than %s, got %s", priceLimit.String(), p.String())
	}
	return nil
}

// Attributes are the versioned fields of a product. They change together.
type Attributes struct {
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description"`
}

// Version is one row of a product's history. Its validity interval is [ValidFrom, ValidTo).
type Version struct {
	// EntityID is the durable product id, nil when none was ever assigned.
	EntityID   *string `json:"entity_id"`
	NaturalKey string  `json:"natural_key"`
	Attributes
	ValidFrom  time.Time `json:"valid_from"`
	ValidTo    time.Time `json:"valid_to"`
	IsCurrent  bool      `json:"is_current"`
	OpID       uuid.UUID `json:"op_id"`
	IngestedAt time.Time `json:"ingested_at"`
}

// IsOpen reports whether the version's interval has no end.
func (v Version) IsOpen() bool {
	return v.ValidTo.Equal(OpenValidTo)
}

// NewAttributes is an attribute change request. Category is optional and carried forward
// from the previous version when nil.
type NewAttributes struct {
	Price       decimal.Decimal
	Description string
	Category    *string
}

// CatalogEntry is a row of the canonical product catalog.
type CatalogEntry struct {
	ID       string
	Title    string
	Category string
}
