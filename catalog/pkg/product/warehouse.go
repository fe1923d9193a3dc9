package product

import (
	"context"
	"time"
)

// Warehouse is the storage the version engine runs against. It offers single statements
// only: no transactions and no row locks.
type Warehouse interface {
	// Now returns the warehouse clock.
	Now(ctx context.Context) (time.Time, error)
	// History returns every version of a product, newest first.
	History(ctx context.Context, naturalKey string) ([]Version, error)
	// Expire closes the current version of a product at ts and returns how many versions
	// were current. When more than one was current nothing is changed.
	Expire(ctx context.Context, naturalKey string, ts time.Time) (int, error)
	// Insert appends a version.
	Insert(ctx context.Context, v Version) error
	// LookupReferenceID returns the id recorded for a product name in the reference table.
	LookupReferenceID(ctx context.Context, naturalKey string) (*string, error)
	// LookupCatalog returns the catalog entry titled naturalKey, nil when absent.
	LookupCatalog(ctx context.Context, naturalKey string) (*CatalogEntry, error)
}
