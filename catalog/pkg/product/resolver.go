package product

import (
	"context"
	"log/slog"
	"time"

	"github.com/malbeclabs/retail/catalog/pkg/metrics"
)

// KeySource is one fallback source of durable product ids.
type KeySource interface {
	Name() string
	Lookup(ctx context.Context, naturalKey string) (*string, error)
}

type referenceSource struct{ wh Warehouse }

// ReferenceSource looks ids up in the product name to id reference table.
func ReferenceSource(wh Warehouse) KeySource { return referenceSource{wh: wh} }

func (referenceSource) Name() string { return "reference" }

func (s referenceSource) Lookup(ctx context.Context, naturalKey string) (*string, error) {
	return s.wh.LookupReferenceID(ctx, naturalKey)
}

type catalogSource struct{ wh Warehouse }

// CatalogSource looks ids up in the canonical catalog by product title.
func CatalogSource(wh Warehouse) KeySource { return catalogSource{wh: wh} }

func (catalogSource) Name() string { return "catalog" }

func (s catalogSource) Lookup(ctx context.Context, naturalKey string) (*string, error) {
	e, err := s.wh.LookupCatalog(ctx, naturalKey)
	if err != nil || e == nil || e.ID == "" {
		return nil, err
	}
	id := e.ID
	return &id, nil
}

// Resolver fills in missing durable ids from an ordered list of sources.
type Resolver struct {
	log     *slog.Logger
	sources []KeySource
	timeout time.Duration
}

// NewResolver builds a resolver over sources, consulted in order. A zero timeout leaves
// lookups bounded only by the caller's context.
func NewResolver(log *slog.Logger, timeout time.Duration, sources ...KeySource) *Resolver {
	return &Resolver{log: log, sources: sources, timeout: timeout}
}

// Resolve returns known when set, otherwise the first id any source has for naturalKey.
// It never fails: source errors are logged and the next source is tried, and nil means
// the id is unknown.
func (r *Resolver) Resolve(ctx context.Context, naturalKey string, known *string) *string {
	if known != nil {
		return known
	}
	for _, src := range r.sources {
		id, err := r.lookup(ctx, src, naturalKey)
		switch {
		case err != nil:
			metrics.ResolverLookupsTotal.WithLabelValues(src.Name(), "error").Inc()
			r.log.Warn("product/resolver: source lookup failed", "source", src.Name(), "natural_key", naturalKey, "error", err)
		case id == nil:
			metrics.ResolverLookupsTotal.WithLabelValues(src.Name(), "miss").Inc()
		default:
			metrics.ResolverLookupsTotal.WithLabelValues(src.Name(), "hit").Inc()
			r.log.Debug("product/resolver: resolved entity id", "source", src.Name(), "natural_key", naturalKey, "entity_id", *id)
			return id
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (r *Resolver) lookup(ctx context.Context, src KeySource, naturalKey string) (*string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return src.Lookup(ctx, naturalKey)
}
